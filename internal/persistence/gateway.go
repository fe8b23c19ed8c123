// Package persistence decouples document durability from the lifetime of the
// in-memory replica. A Gateway loads a document's last flushed state once and
// records debounced flushes, either as an overwritten snapshot or as an
// append-only update log with periodic compaction.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingDocumentID = errors.New("document identifier is required")
	noOpLogger           = zap.NewNop()
)

// Mode selects the persistence strategy.
type Mode string

const (
	ModeSnapshot Mode = "snapshot"
	ModeLog      Mode = "log"
)

// ParseMode validates a configured mode.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeSnapshot:
		return ModeSnapshot, nil
	case ModeLog, "":
		return ModeLog, nil
	default:
		return "", fmt.Errorf("persistence: unknown mode %q", value)
	}
}

// StoreError carries an "operation.reason" code, mirroring how the stores log failures.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the "operation.reason" identifier.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Flush is one debounced write: the merged delta since the previous flush and
// lazy access to the full document state.
type Flush struct {
	Delta    []byte
	snapshot func() []byte
}

// NewFlush builds a flush. snapshot may be nil when only the delta is known.
func NewFlush(delta []byte, snapshot func() []byte) Flush {
	return Flush{Delta: delta, snapshot: snapshot}
}

// State returns the full document state, or the delta when no snapshot source exists.
func (f Flush) State() []byte {
	if f.snapshot == nil {
		return f.Delta
	}
	return f.snapshot()
}

// Gateway is the persistence contract consumed by the document registry.
type Gateway interface {
	// Load returns the last flushed state, or nil when the document is new.
	Load(ctx context.Context, documentID string) ([]byte, error)
	// Record durably stores one flush.
	Record(ctx context.Context, documentID string, flush Flush) error
}

// Compactor is implemented by gateways that keep an update log.
type Compactor interface {
	Compact(ctx context.Context, documentID string) error
}

// Loader reads the merged state of a document.
type Loader interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
}

// SnapshotStore overwrites the latest state on every write.
type SnapshotStore interface {
	Loader
	SaveSnapshot(ctx context.Context, documentID string, state []byte) error
}

// LogStore appends updates and folds them into a checkpoint on Compact.
type LogStore interface {
	Loader
	AppendUpdate(ctx context.Context, documentID string, update []byte) error
	Compact(ctx context.Context, documentID string) error
}

type snapshotGateway struct {
	store SnapshotStore
}

// NewSnapshotGateway records every flush as a full-state overwrite.
func NewSnapshotGateway(store SnapshotStore) (Gateway, error) {
	if store == nil {
		return nil, errMissingStore
	}
	return &snapshotGateway{store: store}, nil
}

func (g *snapshotGateway) Load(ctx context.Context, documentID string) ([]byte, error) {
	return g.store.Load(ctx, documentID)
}

func (g *snapshotGateway) Record(ctx context.Context, documentID string, flush Flush) error {
	state := flush.State()
	if len(state) == 0 {
		return nil
	}
	return g.store.SaveSnapshot(ctx, documentID, state)
}

type logGateway struct {
	store        LogStore
	compactEvery int
	logger       *zap.Logger

	mu       sync.Mutex
	appended map[string]int
}

// LogGatewayConfig describes the log variant.
type LogGatewayConfig struct {
	Store        LogStore
	CompactEvery int
	Logger       *zap.Logger
}

// NewLogGateway records every flush as one appended update and compacts the
// log after CompactEvery appends (zero disables automatic compaction).
func NewLogGateway(cfg LogGatewayConfig) (Gateway, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	compactEvery := cfg.CompactEvery
	if compactEvery < 0 {
		compactEvery = 0
	}
	return &logGateway{
		store:        cfg.Store,
		compactEvery: compactEvery,
		logger:       logger,
		appended:     make(map[string]int),
	}, nil
}

func (g *logGateway) Load(ctx context.Context, documentID string) ([]byte, error) {
	return g.store.Load(ctx, documentID)
}

func (g *logGateway) Record(ctx context.Context, documentID string, flush Flush) error {
	if len(flush.Delta) == 0 {
		return nil
	}
	if err := g.store.AppendUpdate(ctx, documentID, flush.Delta); err != nil {
		return err
	}
	if g.compactEvery == 0 || !g.countAppend(documentID) {
		return nil
	}
	if err := g.store.Compact(ctx, documentID); err != nil {
		g.logger.Warn("update log compaction failed",
			zap.String("document_id", documentID),
			zap.Error(err))
	}
	return nil
}

// countAppend reports whether the append threshold was reached and resets it.
func (g *logGateway) countAppend(documentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.appended[documentID]++
	if g.appended[documentID] < g.compactEvery {
		return false
	}
	delete(g.appended, documentID)
	return true
}

func (g *logGateway) Compact(ctx context.Context, documentID string) error {
	g.mu.Lock()
	delete(g.appended, documentID)
	g.mu.Unlock()
	return g.store.Compact(ctx, documentID)
}

// GatewayConfig selects a strategy over a store that may support both.
type GatewayConfig struct {
	Mode         Mode
	Store        Loader
	CompactEvery int
	Logger       *zap.Logger
}

// NewGateway wires the store according to the configured mode.
func NewGateway(cfg GatewayConfig) (Gateway, error) {
	switch cfg.Mode {
	case ModeSnapshot:
		store, ok := cfg.Store.(SnapshotStore)
		if !ok {
			return nil, fmt.Errorf("persistence: store %T does not support snapshot mode", cfg.Store)
		}
		return NewSnapshotGateway(store)
	case ModeLog, "":
		store, ok := cfg.Store.(LogStore)
		if !ok {
			return nil, fmt.Errorf("persistence: store %T does not support log mode", cfg.Store)
		}
		return NewLogGateway(LogGatewayConfig{Store: store, CompactEvery: cfg.CompactEvery, Logger: cfg.Logger})
	default:
		return nil, fmt.Errorf("persistence: unknown mode %q", cfg.Mode)
	}
}

func validateDocumentID(operation, documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return newStoreError(operation, "missing_document_id", errMissingDocumentID)
	}
	return nil
}
