// Package collab hosts replicated documents: one CRDT replica and awareness
// table per room, the peers attached to it, the sync protocol they speak and
// the registry that creates, hydrates and evicts documents.
package collab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/awareness"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"go.uber.org/zap"
)

var (
	// ErrUpdateTooLarge indicates an update above the configured size ceiling.
	ErrUpdateTooLarge = errors.New("collab: update exceeds size limit")
	// ErrPeerGone indicates that a peer could not be reached and was detached.
	ErrPeerGone = errors.New("collab: peer detached")
)

// Peer is one attached connection. Send must not block; an error means the
// peer is unreachable. Close must be idempotent.
type Peer interface {
	ID() string
	Send(message []byte) error
	Close()
}

// Observer is notified after every merged document change. It is called with
// the document lock held and must not call back into the document.
type Observer interface {
	DocumentChanged(document *Document, delta []byte)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(document *Document, delta []byte)

// DocumentChanged implements Observer.
func (f ObserverFunc) DocumentChanged(document *Document, delta []byte) {
	f(document, delta)
}

// DocumentConfig describes a document instance.
type DocumentConfig struct {
	ID             string
	ClientID       uint64
	MaxUpdateBytes int
	Observers      []Observer
	Logger         *zap.Logger
}

// Document is one replicated room. All replica and awareness mutation, and
// the fan-out that follows it, happens under mu.
type Document struct {
	id             string
	maxUpdateBytes int
	logger         *zap.Logger

	mu        sync.Mutex
	replica   *crdt.Doc
	awareness *awareness.Table
	peers     map[string]Peer
	observers []Observer
}

// NewDocument constructs an empty document.
func NewDocument(cfg DocumentConfig) *Document {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Document{
		id:             cfg.ID,
		maxUpdateBytes: cfg.MaxUpdateBytes,
		logger:         logger.With(zap.String("document_id", cfg.ID)),
		replica:        crdt.NewDoc(cfg.ClientID),
		awareness:      awareness.NewTable(),
		peers:          make(map[string]Peer),
		observers:      append([]Observer(nil), cfg.Observers...),
	}
}

// ID returns the room name.
func (d *Document) ID() string {
	return d.id
}

// hydrate merges persisted state without notifying observers or peers.
func (d *Document) hydrate(state []byte) error {
	if len(state) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.replica.ApplyUpdate(state)
	return err
}

// Observe registers an additional observer.
func (d *Document) Observe(observer Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, observer)
}

// PeerCount reports the number of attached peers.
func (d *Document) PeerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// StateVector returns the encoded state vector of the replica.
func (d *Document) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.EncodeStateVector()
}

// DiffSince returns the update a replica with stateVector is missing.
func (d *Document) DiffSince(stateVector []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.EncodeDiff(stateVector)
}

// EncodeState returns the complete replica as one update.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.EncodeState()
}

// Contents snapshots the replica's visible values.
func (d *Document) Contents() crdt.Contents {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.Contents()
}

// AwarenessStates returns the live presence entries.
func (d *Document) AwarenessStates() map[uint64][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	states := make(map[uint64][]byte)
	for clientID, state := range d.awareness.States() {
		states[clientID] = state
	}
	return states
}

// Join attaches peer and sends it sync step 1 followed by the awareness dump.
// Attaching and snapshotting happen atomically, so the peer misses no update.
func (d *Document) Join(peer Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[peer.ID()] = peer
	if err := d.sendLocked(peer, codec.EncodeSyncStep1(d.replica.EncodeStateVector())); err != nil {
		return err
	}
	if dump := d.awareness.EncodeAll(); dump != nil {
		if err := d.sendLocked(peer, codec.EncodeAwareness(dump)); err != nil {
			return err
		}
	}
	d.logger.Debug("peer joined", zap.String("peer_id", peer.ID()), zap.Int("peers", len(d.peers)))
	return nil
}

// Leave detaches peer and broadcasts the removal of the presence entries it controlled.
func (d *Document) Leave(peer Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropLocked([]Peer{peer})
}

// ApplyRemoteUpdate merges an update received from origin. Peers other than
// origin receive the effective delta; observers are notified. It reports
// whether anything new was merged.
func (d *Document) ApplyRemoteUpdate(update []byte, origin Peer) (bool, error) {
	if d.maxUpdateBytes > 0 && len(update) > d.maxUpdateBytes {
		return false, fmt.Errorf("%w: %d bytes", ErrUpdateTooLarge, len(update))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delta, err := d.replica.ApplyUpdate(update)
	if err != nil {
		return false, err
	}
	if delta == nil {
		return false, nil
	}
	d.publishLocked(delta, origin)
	return true, nil
}

// ApplyLocal runs a server-side edit and relays it to every peer.
func (d *Document) ApplyLocal(edit func(tx *crdt.Transaction) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delta, err := d.replica.Transact(edit)
	if delta != nil {
		d.publishLocked(delta, nil)
	}
	return err
}

// ApplyAwareness merges a presence update attributed to origin and relays the
// changed entries to every other peer.
func (d *Document) ApplyAwareness(update []byte, origin Peer) (awareness.Change, error) {
	originID := ""
	if origin != nil {
		originID = origin.ID()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	change, err := d.awareness.ApplyUpdate(update, originID)
	if err != nil {
		return awareness.Change{}, err
	}
	if change.Empty() {
		return change, nil
	}
	message := codec.EncodeAwareness(d.awareness.Encode(change.ClientIDs()))
	d.broadcastLocked(message, origin)
	return change, nil
}

func (d *Document) publishLocked(delta []byte, origin Peer) {
	d.broadcastLocked(codec.EncodeSyncUpdate(delta), origin)
	for _, observer := range d.observers {
		observer.DocumentChanged(d, delta)
	}
}

// broadcastLocked sends message to every peer except origin and tears down
// the peers that fail.
func (d *Document) broadcastLocked(message []byte, origin Peer) {
	var failed []Peer
	for id, peer := range d.peers {
		if origin != nil && id == origin.ID() {
			continue
		}
		if err := peer.Send(message); err != nil {
			d.logger.Info("send failed, detaching peer", zap.String("peer_id", id), zap.Error(err))
			failed = append(failed, peer)
		}
	}
	if len(failed) > 0 {
		d.dropLocked(failed)
	}
}

// sendLocked sends to one peer and detaches it on failure.
func (d *Document) sendLocked(peer Peer, message []byte) error {
	if err := peer.Send(message); err != nil {
		d.logger.Info("send failed, detaching peer", zap.String("peer_id", peer.ID()), zap.Error(err))
		d.dropLocked([]Peer{peer})
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	return nil
}

// dropLocked detaches peers, closes them and broadcasts their presence
// removal. Peers that fail during that broadcast are dropped in turn.
func (d *Document) dropLocked(queue []Peer) {
	for len(queue) > 0 {
		peer := queue[0]
		queue = queue[1:]
		if _, attached := d.peers[peer.ID()]; attached {
			delete(d.peers, peer.ID())
			peer.Close()
		}
		removal, removed := d.awareness.RemoveForConnection(peer.ID())
		if removal == nil {
			continue
		}
		d.logger.Debug("presence removed", zap.String("peer_id", peer.ID()), zap.Int("entries", len(removed)))
		message := codec.EncodeAwareness(removal)
		for id, other := range d.peers {
			if err := other.Send(message); err != nil {
				d.logger.Info("send failed, detaching peer", zap.String("peer_id", id), zap.Error(err))
				delete(d.peers, id)
				other.Close()
				queue = append(queue, other)
			}
		}
	}
}
