// Package awareness tracks ephemeral per-client presence (cursor, name,
// color) for one document. Nothing here is persisted.
package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
)

// ErrInvalidUpdate indicates that an awareness payload failed validation.
var ErrInvalidUpdate = errors.New("awareness: invalid update")

var nullState = json.RawMessage("null")

// Entry is one client's presence. A nil State means the client is gone.
type Entry struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

// Removed reports whether the entry announces a removal.
func (e Entry) Removed() bool {
	return len(e.State) == 0 || bytes.Equal(e.State, nullState)
}

// Change lists the client ids touched by one applied update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// ClientIDs returns every touched client id.
func (c Change) ClientIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

// Table holds the presence entries of one document and remembers which
// connection introduced each entry. Callers serialize access.
type Table struct {
	states     map[uint64]json.RawMessage
	clocks     map[uint64]uint64
	owners     map[uint64]string
	controlled map[string]map[uint64]struct{}
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		states:     make(map[uint64]json.RawMessage),
		clocks:     make(map[uint64]uint64),
		owners:     make(map[uint64]string),
		controlled: make(map[string]map[uint64]struct{}),
	}
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	return len(t.states)
}

// States returns a copy of the live entries keyed by client id.
func (t *Table) States() map[uint64]json.RawMessage {
	states := make(map[uint64]json.RawMessage, len(t.states))
	for clientID, state := range t.states {
		states[clientID] = append(json.RawMessage(nil), state...)
	}
	return states
}

// Controlled returns the client ids attributed to origin.
func (t *Table) Controlled(origin string) []uint64 {
	ids := make([]uint64, 0, len(t.controlled[origin]))
	for clientID := range t.controlled[origin] {
		ids = append(ids, clientID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ApplyUpdate decodes data and merges it, attributing new entries to origin.
// Entries older than the stored clock are ignored; otherwise the last receipt wins.
func (t *Table) ApplyUpdate(data []byte, origin string) (Change, error) {
	entries, err := DecodeUpdate(data)
	if err != nil {
		return Change{}, err
	}
	var change Change
	for _, entry := range entries {
		currentClock, seen := t.clocks[entry.ClientID]
		if seen && entry.Clock < currentClock {
			continue
		}
		currentState, live := t.states[entry.ClientID]
		t.clocks[entry.ClientID] = entry.Clock
		if entry.Removed() {
			if live {
				t.drop(entry.ClientID)
				change.Removed = append(change.Removed, entry.ClientID)
			}
			continue
		}
		t.states[entry.ClientID] = append(json.RawMessage(nil), entry.State...)
		t.attribute(entry.ClientID, origin)
		switch {
		case !live:
			change.Added = append(change.Added, entry.ClientID)
		case !bytes.Equal(currentState, entry.State):
			change.Updated = append(change.Updated, entry.ClientID)
		}
	}
	return change, nil
}

// RemoveForConnection drops every entry origin controls and returns the
// encoded removal update (nil when there was nothing to remove).
func (t *Table) RemoveForConnection(origin string) ([]byte, []uint64) {
	controlled := t.Controlled(origin)
	delete(t.controlled, origin)
	removed := make([]uint64, 0, len(controlled))
	for _, clientID := range controlled {
		if _, live := t.states[clientID]; !live {
			continue
		}
		t.clocks[clientID]++
		t.drop(clientID)
		removed = append(removed, clientID)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return t.Encode(removed), removed
}

func (t *Table) attribute(clientID uint64, origin string) {
	if origin == "" {
		return
	}
	if previous, ok := t.owners[clientID]; ok && previous != origin {
		delete(t.controlled[previous], clientID)
	}
	t.owners[clientID] = origin
	set := t.controlled[origin]
	if set == nil {
		set = make(map[uint64]struct{})
		t.controlled[origin] = set
	}
	set[clientID] = struct{}{}
}

func (t *Table) drop(clientID uint64) {
	delete(t.states, clientID)
	if owner, ok := t.owners[clientID]; ok {
		delete(t.controlled[owner], clientID)
		if len(t.controlled[owner]) == 0 {
			delete(t.controlled, owner)
		}
		delete(t.owners, clientID)
	}
}

// Encode serializes the current view of clientIDs; absent clients encode as null.
func (t *Table) Encode(clientIDs []uint64) []byte {
	entries := make([]Entry, 0, len(clientIDs))
	for _, clientID := range clientIDs {
		entries = append(entries, Entry{
			ClientID: clientID,
			Clock:    t.clocks[clientID],
			State:    t.states[clientID],
		})
	}
	return EncodeUpdate(entries)
}

// EncodeAll serializes every live entry, or returns nil when the table is empty.
func (t *Table) EncodeAll() []byte {
	if len(t.states) == 0 {
		return nil
	}
	clientIDs := make([]uint64, 0, len(t.states))
	for clientID := range t.states {
		clientIDs = append(clientIDs, clientID)
	}
	sort.Slice(clientIDs, func(i, j int) bool { return clientIDs[i] < clientIDs[j] })
	return t.Encode(clientIDs)
}

// EncodeUpdate serializes entries as count followed by clientID, clock, JSON state.
func EncodeUpdate(entries []Entry) []byte {
	encoder := codec.NewEncoder(1 + 32*len(entries))
	encoder.WriteVarUint(uint64(len(entries)))
	for _, entry := range entries {
		encoder.WriteVarUint(entry.ClientID)
		encoder.WriteVarUint(entry.Clock)
		if entry.Removed() {
			encoder.WriteVarString(string(nullState))
			continue
		}
		encoder.WriteVarString(string(entry.State))
	}
	return encoder.Bytes()
}

// DecodeUpdate parses an awareness update and validates every state as JSON.
func DecodeUpdate(data []byte) ([]Entry, error) {
	decoder := codec.NewDecoder(data)
	count, err := decoder.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrInvalidUpdate, count)
	}
	entries := make([]Entry, 0, count)
	for index := uint64(0); index < count; index++ {
		var entry Entry
		if entry.ClientID, err = decoder.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if entry.Clock, err = decoder.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		rawState, err := decoder.ReadVarString()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		state := bytes.TrimSpace([]byte(rawState))
		if !json.Valid(state) {
			return nil, fmt.Errorf("%w: client %d state is not json", ErrInvalidUpdate, entry.ClientID)
		}
		if !bytes.Equal(state, nullState) {
			entry.State = json.RawMessage(state)
		}
		entries = append(entries, entry)
	}
	if err := decoder.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return entries, nil
}
