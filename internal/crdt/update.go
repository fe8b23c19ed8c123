// Package crdt hosts the conflict-free replicated document used by every
// collaborative room. A document holds named sequence roots (chat logs, rows of
// a sheet) and named map roots (cells keyed by coordinate). Replicas exchange
// binary updates and state vectors; merging is idempotent and commutative.
package crdt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
)

var (
	// ErrInvalidUpdate indicates that an update payload failed validation.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrInvalidStateVector indicates that a state vector payload failed validation.
	ErrInvalidStateVector = errors.New("crdt: invalid state vector")
)

const (
	flagMapEntry  = 1 << 0
	flagHasOrigin = 1 << 1

	maxDeleteRangeLength = 1 << 20
)

// ID names one item: the replica that created it and that replica's clock.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// Item is a single inserted element. Sequence items reference the element to
// their left at insertion time; map items carry the key they assign.
type Item struct {
	ID      ID
	Lamport uint64
	Root    string
	Origin  *ID
	Key     string
	IsMap   bool
	Content string

	// right links sequence items in document order once integrated.
	right *Item
}

// outranks reports whether item sorts ahead of other among siblings and wins
// map assignments.
func (item *Item) outranks(other *Item) bool {
	if item.Lamport != other.Lamport {
		return item.Lamport > other.Lamport
	}
	return item.ID.Client > other.ID.Client
}

// DeleteRange marks Length consecutive clocks of Client as deleted.
type DeleteRange struct {
	Client uint64
	Clock  uint64
	Length uint64
}

// Update is the decoded form of a binary update.
type Update struct {
	Items   []*Item
	Deletes []DeleteRange
}

// IsEmpty reports whether the update carries no items and no deletions.
func (u Update) IsEmpty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

// Encode serializes the update.
func (u Update) Encode() []byte {
	encoder := codec.NewEncoder(16 + 24*len(u.Items))
	encoder.WriteVarUint(uint64(len(u.Items)))
	for _, item := range u.Items {
		var flags uint64
		if item.IsMap {
			flags |= flagMapEntry
		}
		if item.Origin != nil {
			flags |= flagHasOrigin
		}
		encoder.WriteVarUint(item.ID.Client)
		encoder.WriteVarUint(item.ID.Clock)
		encoder.WriteVarUint(item.Lamport)
		encoder.WriteVarUint(flags)
		encoder.WriteVarString(item.Root)
		if item.Origin != nil {
			encoder.WriteVarUint(item.Origin.Client)
			encoder.WriteVarUint(item.Origin.Clock)
		}
		if item.IsMap {
			encoder.WriteVarString(item.Key)
		}
		encoder.WriteVarString(item.Content)
	}
	deletes := compactDeletes(u.Deletes)
	encoder.WriteVarUint(uint64(len(deletes)))
	for _, deletion := range deletes {
		encoder.WriteVarUint(deletion.Client)
		encoder.WriteVarUint(deletion.Clock)
		encoder.WriteVarUint(deletion.Length)
	}
	return encoder.Bytes()
}

// DecodeUpdate parses and validates a binary update without touching any replica.
func DecodeUpdate(data []byte) (Update, error) {
	decoder := codec.NewDecoder(data)
	itemCount, err := decoder.ReadVarUint()
	if err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if itemCount > uint64(len(data)) {
		return Update{}, fmt.Errorf("%w: item count %d exceeds payload", ErrInvalidUpdate, itemCount)
	}
	update := Update{Items: make([]*Item, 0, itemCount)}
	for index := uint64(0); index < itemCount; index++ {
		item, err := decodeItem(decoder)
		if err != nil {
			return Update{}, fmt.Errorf("%w: item %d: %v", ErrInvalidUpdate, index, err)
		}
		update.Items = append(update.Items, item)
	}
	deleteCount, err := decoder.ReadVarUint()
	if err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if deleteCount > uint64(len(data)) {
		return Update{}, fmt.Errorf("%w: delete count %d exceeds payload", ErrInvalidUpdate, deleteCount)
	}
	update.Deletes = make([]DeleteRange, 0, deleteCount)
	for index := uint64(0); index < deleteCount; index++ {
		var deletion DeleteRange
		if deletion.Client, err = decoder.ReadVarUint(); err != nil {
			return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if deletion.Clock, err = decoder.ReadVarUint(); err != nil {
			return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if deletion.Length, err = decoder.ReadVarUint(); err != nil {
			return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if deletion.Length == 0 || deletion.Length > maxDeleteRangeLength {
			return Update{}, fmt.Errorf("%w: delete range length %d", ErrInvalidUpdate, deletion.Length)
		}
		if deletion.Clock+deletion.Length < deletion.Clock {
			return Update{}, fmt.Errorf("%w: delete range overflows", ErrInvalidUpdate)
		}
		update.Deletes = append(update.Deletes, deletion)
	}
	if err := decoder.Finish(); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return update, nil
}

func decodeItem(decoder *codec.Decoder) (*Item, error) {
	item := &Item{}
	var err error
	if item.ID.Client, err = decoder.ReadVarUint(); err != nil {
		return nil, err
	}
	if item.ID.Clock, err = decoder.ReadVarUint(); err != nil {
		return nil, err
	}
	if item.Lamport, err = decoder.ReadVarUint(); err != nil {
		return nil, err
	}
	flags, err := decoder.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if flags&^(flagMapEntry|flagHasOrigin) != 0 {
		return nil, fmt.Errorf("unknown flags %#x", flags)
	}
	if item.Root, err = decoder.ReadVarString(); err != nil {
		return nil, err
	}
	if item.Root == "" {
		return nil, errors.New("empty root name")
	}
	item.IsMap = flags&flagMapEntry != 0
	if flags&flagHasOrigin != 0 {
		if item.IsMap {
			return nil, errors.New("map entry with origin")
		}
		origin := ID{}
		if origin.Client, err = decoder.ReadVarUint(); err != nil {
			return nil, err
		}
		if origin.Clock, err = decoder.ReadVarUint(); err != nil {
			return nil, err
		}
		item.Origin = &origin
	}
	if item.IsMap {
		if item.Key, err = decoder.ReadVarString(); err != nil {
			return nil, err
		}
	}
	if item.Content, err = decoder.ReadVarString(); err != nil {
		return nil, err
	}
	return item, nil
}

// compactDeletes sorts ranges and merges adjacent or overlapping clocks.
func compactDeletes(ranges []DeleteRange) []DeleteRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]DeleteRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Client != sorted[j].Client {
			return sorted[i].Client < sorted[j].Client
		}
		return sorted[i].Clock < sorted[j].Clock
	})
	merged := []DeleteRange{sorted[0]}
	for _, next := range sorted[1:] {
		last := &merged[len(merged)-1]
		if next.Client == last.Client && next.Clock <= last.Clock+last.Length {
			if end := next.Clock + next.Length; end > last.Clock+last.Length {
				last.Length = end - last.Clock
			}
			continue
		}
		merged = append(merged, next)
	}
	return merged
}

// StateVector maps a client to the next clock this replica expects from it.
type StateVector map[uint64]uint64

// Encode serializes the vector with clients in ascending order.
func (sv StateVector) Encode() []byte {
	encoder := codec.NewEncoder(1 + 10*len(sv))
	sv.encodeTo(encoder)
	return encoder.Bytes()
}

func (sv StateVector) encodeTo(encoder *codec.Encoder) {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	encoder.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		encoder.WriteVarUint(client)
		encoder.WriteVarUint(sv[client])
	}
}

// DecodeStateVector parses an encoded vector. An empty payload is an empty
// vector; a trailing delete-set digest is accepted and ignored.
func DecodeStateVector(data []byte) (StateVector, error) {
	vector, _, _, err := decodeSyncVector(data)
	return vector, err
}

func decodeSyncVector(data []byte) (StateVector, uint64, bool, error) {
	vector := StateVector{}
	if len(data) == 0 {
		return vector, 0, false, nil
	}
	decoder := codec.NewDecoder(data)
	count, err := decoder.ReadVarUint()
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
	}
	if count > uint64(len(data)) {
		return nil, 0, false, fmt.Errorf("%w: entry count %d exceeds payload", ErrInvalidStateVector, count)
	}
	for index := uint64(0); index < count; index++ {
		client, err := decoder.ReadVarUint()
		if err != nil {
			return nil, 0, false, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
		}
		clock, err := decoder.ReadVarUint()
		if err != nil {
			return nil, 0, false, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
		}
		vector[client] = clock
	}
	var digest uint64
	hasDigest := decoder.Remaining() > 0
	if hasDigest {
		if digest, err = decoder.ReadVarUint(); err != nil {
			return nil, 0, false, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
		}
	}
	if err := decoder.Finish(); err != nil {
		return nil, 0, false, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
	}
	return vector, digest, hasDigest, nil
}
