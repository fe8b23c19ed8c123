package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	opPostgresLoad         = "persistence.postgres.load"
	opPostgresSaveSnapshot = "persistence.postgres.save_snapshot"
	opPostgresSchema       = "persistence.postgres.ensure_schema"

	postgresSchema = `CREATE TABLE IF NOT EXISTS collab_snapshots (
	document_id TEXT PRIMARY KEY,
	state BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`
	postgresSelectSnapshot = `SELECT state FROM collab_snapshots WHERE document_id = $1`
	postgresUpsertSnapshot = `INSERT INTO collab_snapshots (document_id, state, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (document_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`
)

var errMissingPostgresPool = errors.New("postgres pool is required")

// PostgresPool is the subset of *pgxpool.Pool the store needs.
type PostgresPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStoreConfig describes the Postgres-backed snapshot store.
type PostgresStoreConfig struct {
	Pool   PostgresPool
	Clock  func() time.Time
	Logger *zap.Logger
}

// PostgresStore keeps one overwritten snapshot row per document.
type PostgresStore struct {
	pool   PostgresPool
	clock  func() time.Time
	logger *zap.Logger
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.Pool == nil {
		return nil, newStoreError("persistence.postgres.new", "missing_pool", errMissingPostgresPool)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &PostgresStore{pool: cfg.Pool, clock: clock, logger: logger}, nil
}

// EnsureSchema creates the snapshot table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return newStoreError(opPostgresSchema, reasonQueryFailed, err)
	}
	return nil
}

// Load returns the stored snapshot, or nil when none exists.
func (s *PostgresStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	if err := validateDocumentID(opPostgresLoad, documentID); err != nil {
		return nil, err
	}
	var state []byte
	err := s.pool.QueryRow(ctx, postgresSelectSnapshot, documentID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("postgres load failed", zap.String(fieldDocumentID, documentID), zap.Error(err))
		return nil, newStoreError(opPostgresLoad, reasonQueryFailed, err)
	}
	return state, nil
}

// SaveSnapshot upserts the document's state.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, documentID string, state []byte) error {
	if err := validateDocumentID(opPostgresSaveSnapshot, documentID); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, postgresUpsertSnapshot, documentID, state, s.clock().UTC()); err != nil {
		s.logger.Error("postgres snapshot write failed", zap.String(fieldDocumentID, documentID), zap.Error(err))
		return newStoreError(opPostgresSaveSnapshot, reasonUpsertFailed, err)
	}
	return nil
}
