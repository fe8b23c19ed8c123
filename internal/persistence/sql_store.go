package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSQLLoad             = "persistence.sql.load"
	opSQLSaveSnapshot     = "persistence.sql.save_snapshot"
	opSQLAppendUpdate     = "persistence.sql.append_update"
	opSQLCompact          = "persistence.sql.compact"
	fieldDocumentID       = "document_id"
	columnUpdateID        = "update_id"
	orderUpdateIDAsc      = columnUpdateID + " ASC"
	queryDocument         = fieldDocumentID + " = ?"
	queryDocumentAfter    = fieldDocumentID + " = ? AND " + columnUpdateID + " > ?"
	queryDocumentUpTo     = fieldDocumentID + " = ? AND " + columnUpdateID + " <= ?"
	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonMergeFailed     = "merge_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonDeleteFailed    = "delete_failed"
)

var errMissingDatabase = errors.New("database handle is required")

// SQLStoreConfig describes the gorm-backed store.
type SQLStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SQLStore keeps snapshots and update logs in the relational database. It
// satisfies both SnapshotStore and LogStore.
type SQLStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSQLStore constructs a SQLStore.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError("persistence.sql.new", reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SQLStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load merges the checkpoint with every update recorded after it.
func (s *SQLStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	if err := validateDocumentID(opSQLLoad, documentID); err != nil {
		return nil, err
	}
	snapshot, updates, err := s.readDocument(s.db.WithContext(ctx), documentID)
	if err != nil {
		s.logError(opSQLLoad, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return nil, newStoreError(opSQLLoad, reasonQueryFailed, err)
	}
	if snapshot == nil && len(updates) == 0 {
		return nil, nil
	}
	if len(updates) == 0 {
		return snapshot.SnapshotBlob, nil
	}
	merged, err := mergeRecords(snapshot, updates)
	if err != nil {
		s.logError(opSQLLoad, reasonMergeFailed, err, zap.String(fieldDocumentID, documentID))
		return nil, newStoreError(opSQLLoad, reasonMergeFailed, err)
	}
	return merged, nil
}

// SaveSnapshot overwrites the document's snapshot and discards any log rows.
func (s *SQLStore) SaveSnapshot(ctx context.Context, documentID string, state []byte) error {
	if err := validateDocumentID(opSQLSaveSnapshot, documentID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := upsertSnapshot(transaction, DocumentSnapshot{
			DocumentID:       documentID,
			SnapshotBlob:     state,
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}); err != nil {
			return err
		}
		return transaction.Where(queryDocument, documentID).Delete(&DocumentUpdate{}).Error
	})
	if err != nil {
		s.logError(opSQLSaveSnapshot, reasonUpsertFailed, err, zap.String(fieldDocumentID, documentID))
		return newStoreError(opSQLSaveSnapshot, reasonUpsertFailed, err)
	}
	return nil
}

// AppendUpdate adds one update to the log. Identical payloads are stored once.
func (s *SQLStore) AppendUpdate(ctx context.Context, documentID string, update []byte) error {
	if err := validateDocumentID(opSQLAppendUpdate, documentID); err != nil {
		return err
	}
	model := DocumentUpdate{
		DocumentID:        documentID,
		UpdateBlob:        update,
		UpdateHash:        hashPayload(update),
		ByteSize:          int64(len(update)),
		RecordedAtSeconds: s.clock().UTC().Unix(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		s.logError(opSQLAppendUpdate, reasonInsertFailed, result.Error, zap.String(fieldDocumentID, documentID))
		return newStoreError(opSQLAppendUpdate, reasonInsertFailed, result.Error)
	}
	return nil
}

// Compact folds the log into the checkpoint and deletes the folded rows.
func (s *SQLStore) Compact(ctx context.Context, documentID string) error {
	if err := validateDocumentID(opSQLCompact, documentID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		snapshot, updates, err := s.readDocument(transaction, documentID)
		if err != nil {
			return newStoreError(opSQLCompact, reasonQueryFailed, err)
		}
		if len(updates) == 0 {
			return nil
		}
		merged, err := mergeRecords(snapshot, updates)
		if err != nil {
			return newStoreError(opSQLCompact, reasonMergeFailed, err)
		}
		lastUpdateID := updates[len(updates)-1].UpdateID
		if err := upsertSnapshot(transaction, DocumentSnapshot{
			DocumentID:       documentID,
			SnapshotBlob:     merged,
			SnapshotUpdateID: lastUpdateID,
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}); err != nil {
			return newStoreError(opSQLCompact, reasonUpsertFailed, err)
		}
		if err := transaction.Where(queryDocumentUpTo, documentID, lastUpdateID).Delete(&DocumentUpdate{}).Error; err != nil {
			return newStoreError(opSQLCompact, reasonDeleteFailed, err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("update log compaction failed", zap.String(fieldDocumentID, documentID), zap.Error(err))
		return err
	}
	s.logger.Debug("update log compacted", zap.String(fieldDocumentID, documentID))
	return nil
}

func (s *SQLStore) readDocument(db *gorm.DB, documentID string) (*DocumentSnapshot, []DocumentUpdate, error) {
	var snapshot *DocumentSnapshot
	var stored DocumentSnapshot
	err := db.Where(queryDocument, documentID).Take(&stored).Error
	switch {
	case err == nil:
		snapshot = &stored
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil, err
	}
	afterUpdateID := int64(0)
	if snapshot != nil {
		afterUpdateID = snapshot.SnapshotUpdateID
	}
	var updates []DocumentUpdate
	if err := db.Where(queryDocumentAfter, documentID, afterUpdateID).
		Order(orderUpdateIDAsc).
		Find(&updates).Error; err != nil {
		return nil, nil, err
	}
	return snapshot, updates, nil
}

func upsertSnapshot(db *gorm.DB, snapshot DocumentSnapshot) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldDocumentID}},
		DoUpdates: clause.AssignmentColumns([]string{"snapshot_blob", "snapshot_update_id", "updated_at_s"}),
	}).Create(&snapshot).Error
}

func mergeRecords(snapshot *DocumentSnapshot, updates []DocumentUpdate) ([]byte, error) {
	payloads := make([][]byte, 0, len(updates)+1)
	if snapshot != nil {
		payloads = append(payloads, snapshot.SnapshotBlob)
	}
	for _, update := range updates {
		payloads = append(payloads, update.UpdateBlob)
	}
	return crdt.MergeUpdates(payloads...)
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (s *SQLStore) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("persistence operation failed", allFields...)
}
