package crdt

import (
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/cespare/xxhash/v2"
)

// Doc is one replica. It is not safe for concurrent use; callers serialize
// access (collab.Document holds a lock around every call).
type Doc struct {
	clientID uint64
	lamport  uint64
	clocks   StateVector
	items    map[ID]*Item
	log      []*Item

	// pending holds items received before their dependencies; waiting indexes
	// them by the id each one still needs.
	pending map[ID]*Item
	waiting map[ID][]*Item
	deletes deleteSet
	heads   map[string]*Item
	maps    map[string]map[string]*Item
}

// Contents is a value snapshot of every non-empty root, suitable for equality checks.
type Contents struct {
	Sequences map[string][]string
	Maps      map[string]map[string]string
}

// NewDoc returns an empty replica that stamps local items with clientID.
func NewDoc(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		clocks:   StateVector{},
		items:    make(map[ID]*Item),
		pending:  make(map[ID]*Item),
		waiting:  make(map[ID][]*Item),
		deletes:  deleteSet{},
		heads:    make(map[string]*Item),
		maps:     make(map[string]map[string]*Item),
	}
}

// ClientID returns the identifier stamped on locally created items.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// StateVector returns a copy of the integrated clock per client.
func (d *Doc) StateVector() StateVector {
	vector := make(StateVector, len(d.clocks))
	for client, clock := range d.clocks {
		vector[client] = clock
	}
	return vector
}

// EncodeStateVector returns the encoded state vector used by sync step 1,
// followed by a digest of the delete set so an up-to-date peer can answer
// without repeating deletions.
func (d *Doc) EncodeStateVector() []byte {
	encoder := codec.NewEncoder(12 + 10*len(d.clocks))
	d.clocks.encodeTo(encoder)
	encoder.WriteVarUint(d.deleteDigest())
	return encoder.Bytes()
}

// PendingCount reports items received before their dependencies.
func (d *Doc) PendingCount() int {
	return len(d.pending)
}

// ApplyUpdate decodes data and merges it. The returned delta holds only what
// was new to this replica; it is nil when the update changed nothing.
func (d *Doc) ApplyUpdate(data []byte) ([]byte, error) {
	update, err := DecodeUpdate(data)
	if err != nil {
		return nil, err
	}
	applied := d.apply(update)
	if applied.IsEmpty() {
		return nil, nil
	}
	return applied.Encode(), nil
}

func (d *Doc) apply(update Update) Update {
	var applied Update
	queue := make([]*Item, 0, len(update.Items))
	for _, item := range update.Items {
		if d.knows(item.ID) {
			continue
		}
		d.pending[item.ID] = item
		queue = append(queue, item)
	}
	applied.Items = d.settle(queue)
	for _, deletion := range update.Deletes {
		applied.Deletes = append(applied.Deletes, d.deletes.add(deletion)...)
	}
	return applied
}

// settle integrates queued items as their dependencies arrive. Each item is
// revisited only when an id it waits for is integrated.
func (d *Doc) settle(queue []*Item) []*Item {
	var integrated []*Item
	for head := 0; head < len(queue); head++ {
		item := queue[head]
		if d.pending[item.ID] != item {
			continue
		}
		missing, blocked := d.dependency(item)
		if blocked {
			continue
		}
		if missing != nil {
			d.waiting[*missing] = append(d.waiting[*missing], item)
			continue
		}
		delete(d.pending, item.ID)
		d.integrate(item)
		integrated = append(integrated, item)
		if waiters := d.waiting[item.ID]; len(waiters) > 0 {
			delete(d.waiting, item.ID)
			queue = append(queue, waiters...)
		}
	}
	return integrated
}

func (d *Doc) knows(id ID) bool {
	if id.Clock < d.clocks[id.Client] {
		return true
	}
	_, ok := d.pending[id]
	return ok
}

// dependency returns the id item still waits for. blocked reports an item
// that can never integrate because its origin is not a sibling in its root.
func (d *Doc) dependency(item *Item) (missing *ID, blocked bool) {
	next := d.clocks[item.ID.Client]
	if item.ID.Clock > next {
		previous := ID{Client: item.ID.Client, Clock: item.ID.Clock - 1}
		return &previous, false
	}
	if item.ID.Clock < next {
		return nil, true
	}
	if item.Origin == nil {
		return nil, false
	}
	origin, ok := d.items[*item.Origin]
	if !ok {
		originID := *item.Origin
		return &originID, false
	}
	return nil, origin.IsMap || origin.Root != item.Root
}

func (d *Doc) sortedPending() []*Item {
	items := make([]*Item, 0, len(d.pending))
	for _, item := range d.pending {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ID.Client != items[j].ID.Client {
			return items[i].ID.Client < items[j].ID.Client
		}
		return items[i].ID.Clock < items[j].ID.Clock
	})
	return items
}

func (d *Doc) integrate(item *Item) {
	d.items[item.ID] = item
	d.clocks[item.ID.Client] = item.ID.Clock + 1
	if item.Lamport > d.lamport {
		d.lamport = item.Lamport
	}
	d.log = append(d.log, item)
	if item.IsMap {
		entries := d.maps[item.Root]
		if entries == nil {
			entries = make(map[string]*Item)
			d.maps[item.Root] = entries
		}
		if current := entries[item.Key]; current == nil || item.outranks(current) {
			entries[item.Key] = item
		}
		return
	}
	var left *Item
	right := d.heads[item.Root]
	if item.Origin != nil {
		left = d.items[*item.Origin]
		right = left.right
	}
	// Siblings that outrank the new item, and everything inserted after them,
	// stay to its left.
	for right != nil && right.outranks(item) {
		left, right = right, right.right
	}
	item.right = right
	if left == nil {
		d.heads[item.Root] = item
		return
	}
	left.right = item
}

// DiffSince returns every item the holder of vector is missing, plus the
// complete delete set.
func (d *Doc) DiffSince(vector StateVector) Update {
	var diff Update
	for _, item := range d.log {
		if item.ID.Clock >= vector[item.ID.Client] {
			diff.Items = append(diff.Items, item)
		}
	}
	for _, item := range d.sortedPending() {
		if item.ID.Clock >= vector[item.ID.Client] {
			diff.Items = append(diff.Items, item)
		}
	}
	diff.Deletes = d.deletes.ranges()
	return diff
}

// EncodeDiff answers an encoded state vector with an encoded update. The
// delete set is left out when the vector's digest shows the peer holds it.
func (d *Doc) EncodeDiff(encodedVector []byte) ([]byte, error) {
	vector, digest, hasDigest, err := decodeSyncVector(encodedVector)
	if err != nil {
		return nil, err
	}
	diff := d.DiffSince(vector)
	if hasDigest && digest == d.deleteDigest() {
		diff.Deletes = nil
	}
	return diff.Encode(), nil
}

// EncodeState returns the whole replica as a single update.
func (d *Doc) EncodeState() []byte {
	return d.DiffSince(nil).Encode()
}

func (d *Doc) deleteDigest() uint64 {
	encoder := codec.NewEncoder(8 + 6*d.deletes.spanCount())
	for _, deletion := range d.deletes.ranges() {
		encoder.WriteVarUint(deletion.Client)
		encoder.WriteVarUint(deletion.Clock)
		encoder.WriteVarUint(deletion.Length)
	}
	return xxhash.Sum64(encoder.Bytes())
}

func (d *Doc) isDeleted(id ID) bool {
	return d.deletes.contains(id)
}

func (d *Doc) visible(root string) []*Item {
	var visible []*Item
	for item := d.heads[root]; item != nil; item = item.right {
		if !d.isDeleted(item.ID) {
			visible = append(visible, item)
		}
	}
	return visible
}

// Values returns the visible elements of a sequence root in order.
func (d *Doc) Values(root string) []string {
	visible := d.visible(root)
	values := make([]string, 0, len(visible))
	for _, item := range visible {
		values = append(values, item.Content)
	}
	return values
}

// Text joins the visible elements of a sequence root.
func (d *Doc) Text(root string) string {
	return strings.Join(d.Values(root), "")
}

// Len reports the number of visible elements of a sequence root.
func (d *Doc) Len(root string) int {
	return len(d.visible(root))
}

// Get returns the current value of key in a map root.
func (d *Doc) Get(root, key string) (string, bool) {
	entry := d.maps[root][key]
	if entry == nil || d.isDeleted(entry.ID) {
		return "", false
	}
	return entry.Content, true
}

// Entries returns every live key of a map root.
func (d *Doc) Entries(root string) map[string]string {
	entries := make(map[string]string)
	for key, entry := range d.maps[root] {
		if !d.isDeleted(entry.ID) {
			entries[key] = entry.Content
		}
	}
	return entries
}

// Contents snapshots every root that has visible content.
func (d *Doc) Contents() Contents {
	contents := Contents{
		Sequences: make(map[string][]string),
		Maps:      make(map[string]map[string]string),
	}
	for root := range d.heads {
		if values := d.Values(root); len(values) > 0 {
			contents.Sequences[root] = values
		}
	}
	for root := range d.maps {
		if entries := d.Entries(root); len(entries) > 0 {
			contents.Maps[root] = entries
		}
	}
	return contents
}

// MergeUpdates folds updates into one update equivalent to applying all of them.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	merged := NewDoc(0)
	for _, update := range updates {
		if len(update) == 0 {
			continue
		}
		if _, err := merged.ApplyUpdate(update); err != nil {
			return nil, err
		}
	}
	return merged.EncodeState(), nil
}
