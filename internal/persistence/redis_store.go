package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	opRedisLoad         = "persistence.redis.load"
	opRedisSaveSnapshot = "persistence.redis.save_snapshot"
	opRedisAppendUpdate = "persistence.redis.append_update"
	opRedisCompact      = "persistence.redis.compact"
	defaultRedisPrefix  = "collab"
	maxCompactAttempts  = 3
)

var errMissingRedisClient = errors.New("redis client is required")

// redisReader is satisfied by clients and by *redis.Tx inside Watch.
type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisStoreConfig describes the Redis-backed store.
type RedisStoreConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
	Logger    *zap.Logger
}

// RedisStore keeps each document as a checkpoint string plus a list of
// appended updates. It satisfies both SnapshotStore and LogStore.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, newStoreError("persistence.redis.new", "missing_client", errMissingRedisClient)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &RedisStore{client: cfg.Client, prefix: prefix, logger: logger}, nil
}

func (s *RedisStore) snapshotKey(documentID string) string {
	return fmt.Sprintf("%s:doc:{%s}:snapshot", s.prefix, documentID)
}

func (s *RedisStore) updatesKey(documentID string) string {
	return fmt.Sprintf("%s:doc:{%s}:updates", s.prefix, documentID)
}

// Load merges the checkpoint with the appended updates.
func (s *RedisStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	if err := validateDocumentID(opRedisLoad, documentID); err != nil {
		return nil, err
	}
	snapshot, updates, err := s.read(ctx, s.client, documentID)
	if err != nil {
		s.logger.Error("redis load failed", zap.String(fieldDocumentID, documentID), zap.Error(err))
		return nil, newStoreError(opRedisLoad, reasonQueryFailed, err)
	}
	if snapshot == nil && len(updates) == 0 {
		return nil, nil
	}
	if len(updates) == 0 {
		return snapshot, nil
	}
	merged, err := crdt.MergeUpdates(append([][]byte{snapshot}, updates...)...)
	if err != nil {
		return nil, newStoreError(opRedisLoad, reasonMergeFailed, err)
	}
	return merged, nil
}

func (s *RedisStore) read(ctx context.Context, client redisReader, documentID string) ([]byte, [][]byte, error) {
	snapshot, err := client.Get(ctx, s.snapshotKey(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		snapshot = nil
	} else if err != nil {
		return nil, nil, err
	}
	rawUpdates, err := client.LRange(ctx, s.updatesKey(documentID), 0, -1).Result()
	if err != nil {
		return nil, nil, err
	}
	updates := make([][]byte, 0, len(rawUpdates))
	for _, update := range rawUpdates {
		updates = append(updates, []byte(update))
	}
	return snapshot, updates, nil
}

// SaveSnapshot overwrites the checkpoint and drops the update list.
func (s *RedisStore) SaveSnapshot(ctx context.Context, documentID string, state []byte) error {
	if err := validateDocumentID(opRedisSaveSnapshot, documentID); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.snapshotKey(documentID), state, 0)
		pipe.Del(ctx, s.updatesKey(documentID))
		return nil
	})
	if err != nil {
		s.logger.Error("redis snapshot write failed", zap.String(fieldDocumentID, documentID), zap.Error(err))
		return newStoreError(opRedisSaveSnapshot, reasonUpsertFailed, err)
	}
	return nil
}

// AppendUpdate pushes one update onto the document's list.
func (s *RedisStore) AppendUpdate(ctx context.Context, documentID string, update []byte) error {
	if err := validateDocumentID(opRedisAppendUpdate, documentID); err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.updatesKey(documentID), update).Err(); err != nil {
		s.logger.Error("redis append failed", zap.String(fieldDocumentID, documentID), zap.Error(err))
		return newStoreError(opRedisAppendUpdate, reasonInsertFailed, err)
	}
	return nil
}

// Compact folds the current list into the checkpoint. Updates appended while
// compacting stay in the list. Concurrent compactions retry on conflict.
func (s *RedisStore) Compact(ctx context.Context, documentID string) error {
	if err := validateDocumentID(opRedisCompact, documentID); err != nil {
		return err
	}
	snapshotKey := s.snapshotKey(documentID)
	updatesKey := s.updatesKey(documentID)
	compact := func(tx *redis.Tx) error {
		snapshot, updates, err := s.read(ctx, tx, documentID)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		merged, err := crdt.MergeUpdates(append([][]byte{snapshot}, updates...)...)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, snapshotKey, merged, 0)
			pipe.LTrim(ctx, updatesKey, int64(len(updates)), -1)
			return nil
		})
		return err
	}
	var err error
	for attempt := 0; attempt < maxCompactAttempts; attempt++ {
		err = s.client.Watch(ctx, compact, snapshotKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		s.logger.Error("redis compaction failed", zap.String(fieldDocumentID, documentID), zap.Error(err))
		return newStoreError(opRedisCompact, reasonMergeFailed, err)
	}
	return nil
}
