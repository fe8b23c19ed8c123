package persistence

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
)

const (
	opMemoryLoad    = "persistence.memory.load"
	opMemoryCompact = "persistence.memory.compact"
)

// MemoryStore keeps documents in process memory. It satisfies both
// SnapshotStore and LogStore and loses everything on restart.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	updates   map[string][][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
		updates:   make(map[string][][]byte),
	}
}

// Load merges the snapshot with appended updates.
func (s *MemoryStore) Load(_ context.Context, documentID string) ([]byte, error) {
	if err := validateDocumentID(opMemoryLoad, documentID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	snapshot := s.snapshots[documentID]
	updates := append([][]byte(nil), s.updates[documentID]...)
	s.mu.Unlock()
	if snapshot == nil && len(updates) == 0 {
		return nil, nil
	}
	if len(updates) == 0 {
		return append([]byte(nil), snapshot...), nil
	}
	merged, err := crdt.MergeUpdates(append([][]byte{snapshot}, updates...)...)
	if err != nil {
		return nil, newStoreError(opMemoryLoad, reasonMergeFailed, err)
	}
	return merged, nil
}

// SaveSnapshot overwrites the snapshot and drops appended updates.
func (s *MemoryStore) SaveSnapshot(_ context.Context, documentID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[documentID] = append([]byte(nil), state...)
	delete(s.updates, documentID)
	return nil
}

// AppendUpdate appends one update.
func (s *MemoryStore) AppendUpdate(_ context.Context, documentID string, update []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[documentID] = append(s.updates[documentID], append([]byte(nil), update...))
	return nil
}

// Compact folds appended updates into the snapshot.
func (s *MemoryStore) Compact(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := s.updates[documentID]
	if len(updates) == 0 {
		return nil
	}
	merged, err := crdt.MergeUpdates(append([][]byte{s.snapshots[documentID]}, updates...)...)
	if err != nil {
		return newStoreError(opMemoryCompact, reasonMergeFailed, err)
	}
	s.snapshots[documentID] = merged
	delete(s.updates, documentID)
	return nil
}

// UpdateCount reports how many updates await compaction.
func (s *MemoryStore) UpdateCount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates[documentID])
}
