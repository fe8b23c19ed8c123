package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"go.uber.org/zap"
)

const (
	defaultDebounce     = time.Second
	defaultWriteTimeout = 10 * time.Second
)

var errMissingGateway = errors.New("gateway is required")

// StateSource produces the full encoded state of a document at flush time.
type StateSource interface {
	EncodeState() []byte
}

// SchedulerConfig describes the debounce scheduler.
type SchedulerConfig struct {
	Gateway      Gateway
	Debounce     time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Scheduler coalesces document changes into debounced gateway writes. The
// first dirty mark arms a one-shot timer; when it fires the accumulated deltas
// are written once and the next mark arms a new timer. Writes for one document
// never overlap, and a failed write keeps its deltas pending for the next attempt.
type Scheduler struct {
	gateway      Gateway
	debounce     time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingFlush
	closed  bool
	timers  sync.WaitGroup
}

type pendingFlush struct {
	// writeMu is held for the duration of one gateway write.
	writeMu sync.Mutex
	source  StateSource
	deltas  [][]byte
	timer   *time.Timer
	holders int
}

// NewScheduler constructs a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{
		gateway:      cfg.Gateway,
		debounce:     debounce,
		writeTimeout: writeTimeout,
		logger:       logger,
		pending:      make(map[string]*pendingFlush),
	}, nil
}

// Gateway returns the gateway the scheduler writes to.
func (s *Scheduler) Gateway() Gateway {
	return s.gateway
}

// MarkDirty records delta for documentID and arms the debounce timer if it is idle.
func (s *Scheduler) MarkDirty(documentID string, source StateSource, delta []byte) {
	if len(delta) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("dropping change after scheduler shutdown", zap.String("document_id", documentID))
		return
	}
	entry := s.pending[documentID]
	if entry == nil {
		entry = &pendingFlush{}
		s.pending[documentID] = entry
	}
	entry.source = source
	entry.deltas = append(entry.deltas, delta)
	s.armLocked(documentID, entry)
}

func (s *Scheduler) armLocked(documentID string, entry *pendingFlush) {
	if entry.timer != nil || s.closed {
		return
	}
	entry.timer = time.AfterFunc(s.debounce, func() {
		s.fire(documentID)
	})
}

// Pending reports whether documentID has unflushed changes or a write in flight.
func (s *Scheduler) Pending(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.pending[documentID]
	return entry != nil && (len(entry.deltas) > 0 || entry.holders > 0)
}

func (s *Scheduler) fire(documentID string) {
	s.mu.Lock()
	entry := s.pending[documentID]
	if entry == nil || s.closed {
		s.mu.Unlock()
		return
	}
	entry.timer = nil
	entry.holders++
	s.timers.Add(1)
	s.mu.Unlock()
	defer s.timers.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	_ = s.flushEntry(ctx, documentID, entry)
}

// flushEntry writes everything accumulated on entry. The caller has counted
// itself in entry.holders.
func (s *Scheduler) flushEntry(ctx context.Context, documentID string, entry *pendingFlush) error {
	defer s.release(documentID, entry)
	entry.writeMu.Lock()
	defer entry.writeMu.Unlock()

	s.mu.Lock()
	deltas := entry.deltas
	source := entry.source
	entry.deltas = nil
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	s.mu.Unlock()
	if len(deltas) == 0 {
		return nil
	}

	err := s.write(ctx, documentID, source, deltas)
	if err != nil {
		s.mu.Lock()
		entry.deltas = append(deltas, entry.deltas...)
		s.armLocked(documentID, entry)
		s.mu.Unlock()
	}
	return err
}

func (s *Scheduler) release(documentID string, entry *pendingFlush) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.holders--
	if entry.holders == 0 && len(entry.deltas) == 0 && entry.timer == nil && s.pending[documentID] == entry {
		delete(s.pending, documentID)
	}
}

func (s *Scheduler) write(ctx context.Context, documentID string, source StateSource, deltas [][]byte) error {
	delta := deltas[0]
	if len(deltas) > 1 {
		merged, err := crdt.MergeUpdates(deltas...)
		if err != nil {
			s.logger.Error("failed to merge pending updates",
				zap.String("document_id", documentID),
				zap.Int("updates", len(deltas)),
				zap.Error(err))
			return err
		}
		delta = merged
	}
	var snapshot func() []byte
	if source != nil {
		snapshot = source.EncodeState
	}
	if err := s.gateway.Record(ctx, documentID, NewFlush(delta, snapshot)); err != nil {
		s.logger.Error("document flush failed",
			zap.String("document_id", documentID),
			zap.Int("updates", len(deltas)),
			zap.Error(err))
		return err
	}
	s.logger.Debug("document flushed",
		zap.String("document_id", documentID),
		zap.Int("updates", len(deltas)),
		zap.Int("bytes", len(delta)))
	return nil
}

// Flush writes documentID's pending changes immediately, after any write
// already in flight for it.
func (s *Scheduler) Flush(ctx context.Context, documentID string) error {
	s.mu.Lock()
	entry := s.pending[documentID]
	if entry == nil {
		s.mu.Unlock()
		return nil
	}
	entry.holders++
	s.mu.Unlock()
	return s.flushEntry(ctx, documentID, entry)
}

// FlushAll writes every pending document immediately.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	documentIDs := make([]string, 0, len(s.pending))
	for documentID := range s.pending {
		documentIDs = append(documentIDs, documentID)
	}
	s.mu.Unlock()
	var errs []error
	for _, documentID := range documentIDs {
		if err := s.Flush(ctx, documentID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close rejects further marks, flushes everything and waits for timer writes
// already in flight. Changes whose final write fails stay reported by Pending.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.FlushAll(ctx)
	s.timers.Wait()
	return err
}
