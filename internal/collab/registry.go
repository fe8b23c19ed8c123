package collab

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/persistence"
	"go.uber.org/zap"
)

const (
	defaultIdleGrace      = 30 * time.Second
	defaultMaxUpdateBytes = 1 << 20
)

var (
	// ErrMissingDocumentID indicates an empty room name.
	ErrMissingDocumentID = errors.New("collab: document id is required")
	// ErrRegistryClosed indicates the registry no longer accepts documents.
	ErrRegistryClosed = errors.New("collab: registry closed")

	errMissingScheduler = errors.New("collab: persistence scheduler is required")
)

// RegistryConfig describes the document registry.
type RegistryConfig struct {
	Scheduler      *persistence.Scheduler
	IdleGrace      time.Duration
	MaxUpdateBytes int
	ClientID       func() uint64
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Registry is the only path that creates documents. It hydrates each instance
// from the persistence gateway once, counts attached connections and evicts
// documents that stayed unreferenced for the idle grace period.
type Registry struct {
	scheduler      *persistence.Scheduler
	gateway        persistence.Gateway
	idleGrace      time.Duration
	maxUpdateBytes int
	clientID       func() uint64
	clock          func() time.Time
	logger         *zap.Logger

	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

type registryEntry struct {
	ready     chan struct{}
	document  *Document
	err       error
	refs      int
	idleSince time.Time
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Scheduler == nil {
		return nil, errMissingScheduler
	}
	idleGrace := cfg.IdleGrace
	if idleGrace <= 0 {
		idleGrace = defaultIdleGrace
	}
	maxUpdateBytes := cfg.MaxUpdateBytes
	if maxUpdateBytes <= 0 {
		maxUpdateBytes = defaultMaxUpdateBytes
	}
	clientID := cfg.ClientID
	if clientID == nil {
		clientID = randomClientID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		scheduler:      cfg.Scheduler,
		gateway:        cfg.Scheduler.Gateway(),
		idleGrace:      idleGrace,
		maxUpdateBytes: maxUpdateBytes,
		clientID:       clientID,
		clock:          clock,
		logger:         logger,
		entries:        make(map[string]*registryEntry),
	}, nil
}

func randomClientID() uint64 {
	return uint64(rand.Uint32())
}

// GetOrCreate returns the live document for documentID, creating and
// hydrating it on first use. Concurrent first callers share one instance and
// one gateway Load.
func (r *Registry) GetOrCreate(ctx context.Context, documentID string) (*Document, error) {
	return r.get(ctx, documentID, false)
}

// Acquire returns the document and counts one reference to it. The returned
// release function must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, documentID string) (*Document, func(), error) {
	document, err := r.get(ctx, documentID, true)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() { r.release(documentID, document) })
	}
	return document, release, nil
}

func (r *Registry) get(ctx context.Context, documentID string, reference bool) (*Document, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, ErrMissingDocumentID
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	entry, exists := r.entries[documentID]
	if !exists {
		entry = &registryEntry{ready: make(chan struct{}), idleSince: r.clock()}
		r.entries[documentID] = entry
	}
	if reference {
		entry.refs++
	}
	r.mu.Unlock()

	if !exists {
		r.hydrate(ctx, documentID, entry)
	}
	select {
	case <-entry.ready:
	case <-ctx.Done():
		if reference {
			r.unreference(documentID, entry)
		}
		return nil, ctx.Err()
	}
	if entry.err != nil {
		return nil, entry.err
	}
	return entry.document, nil
}

// hydrate loads persisted state into a new document and publishes the result
// to every caller waiting on entry.ready. A failed load removes the entry so
// the next caller retries.
func (r *Registry) hydrate(ctx context.Context, documentID string, entry *registryEntry) {
	defer close(entry.ready)
	document := NewDocument(DocumentConfig{
		ID:             documentID,
		ClientID:       r.clientID(),
		MaxUpdateBytes: r.maxUpdateBytes,
		Observers:      []Observer{ObserverFunc(r.markDirty)},
		Logger:         r.logger,
	})
	state, err := r.gateway.Load(ctx, documentID)
	if err == nil {
		err = document.hydrate(state)
	}
	if err != nil {
		r.logger.Error("document load failed", zap.String("document_id", documentID), zap.Error(err))
		entry.err = err
		r.mu.Lock()
		if r.entries[documentID] == entry {
			delete(r.entries, documentID)
		}
		r.mu.Unlock()
		return
	}
	entry.document = document
	r.logger.Info("document loaded", zap.String("document_id", documentID), zap.Int("bytes", len(state)))
}

func (r *Registry) markDirty(document *Document, delta []byte) {
	r.scheduler.MarkDirty(document.ID(), document, delta)
}

func (r *Registry) release(documentID string, document *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[documentID]
	if entry == nil || entry.document != document {
		return
	}
	r.unreferenceLocked(entry)
}

func (r *Registry) unreference(documentID string, entry *registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[documentID] == entry {
		r.unreferenceLocked(entry)
	}
}

func (r *Registry) unreferenceLocked(entry *registryEntry) {
	if entry.refs > 0 {
		entry.refs--
	}
	if entry.refs == 0 {
		entry.idleSince = r.clock()
	}
}

// Len reports the number of live documents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// References reports the attached connection count of documentID.
func (r *Registry) References(documentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry := r.entries[documentID]; entry != nil {
		return entry.refs
	}
	return 0
}

// EvictIdle flushes and drops every document unreferenced for at least the
// idle grace period. It returns the evicted document ids.
func (r *Registry) EvictIdle(ctx context.Context) []string {
	now := r.clock()
	r.mu.Lock()
	var candidates []string
	for documentID, entry := range r.entries {
		if r.idle(entry, now) {
			candidates = append(candidates, documentID)
		}
	}
	r.mu.Unlock()

	var evicted []string
	for _, documentID := range candidates {
		if err := r.scheduler.Flush(ctx, documentID); err != nil {
			r.logger.Warn("keeping document after failed flush", zap.String("document_id", documentID), zap.Error(err))
			continue
		}
		if compactor, ok := r.gateway.(persistence.Compactor); ok {
			if err := compactor.Compact(ctx, documentID); err != nil {
				r.logger.Warn("update log compaction failed", zap.String("document_id", documentID), zap.Error(err))
			}
		}
		r.mu.Lock()
		entry := r.entries[documentID]
		if entry != nil && r.idle(entry, now) && !r.scheduler.Pending(documentID) {
			delete(r.entries, documentID)
			evicted = append(evicted, documentID)
		}
		r.mu.Unlock()
	}
	for _, documentID := range evicted {
		r.logger.Info("document evicted", zap.String("document_id", documentID))
	}
	return evicted
}

func (r *Registry) idle(entry *registryEntry, now time.Time) bool {
	select {
	case <-entry.ready:
	default:
		return false
	}
	return entry.document != nil && entry.refs == 0 && now.Sub(entry.idleSince) >= r.idleGrace
}

// RunEvictor evicts idle documents until ctx is cancelled.
func (r *Registry) RunEvictor(ctx context.Context) error {
	interval := r.idleGrace / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.EvictIdle(ctx)
		}
	}
}

// Close stops accepting documents and flushes every pending change.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.scheduler.Close(ctx)
}
