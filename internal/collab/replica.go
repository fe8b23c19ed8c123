package collab

import (
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
)

// Replica is the client side of the sync protocol: a local CRDT replica that
// answers the server's handshake and turns local edits into update frames.
type Replica struct {
	mu  sync.Mutex
	doc *crdt.Doc
}

// NewReplica constructs an empty client replica.
func NewReplica(clientID uint64) *Replica {
	return &Replica{doc: crdt.NewDoc(clientID)}
}

// ClientID returns the replica's CRDT client id.
func (r *Replica) ClientID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.ClientID()
}

// SyncStep1 frames the replica's state vector.
func (r *Replica) SyncStep1() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return codec.EncodeSyncStep1(r.doc.EncodeStateVector())
}

// Handle applies one frame from the server and returns the reply frame, if
// any. Awareness frames are ignored.
func (r *Replica) Handle(frame []byte) (reply []byte, err error) {
	message, err := codec.DecodeMessage(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if message.Type != codec.MessageSync {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch message.Sync {
	case codec.SyncStep1:
		diff, err := r.doc.EncodeDiff(message.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return codec.EncodeSyncStep2(diff), nil
	default:
		if _, err := r.doc.ApplyUpdate(message.Payload); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return nil, nil
	}
}

// Edit runs a local transaction and returns the update frame to send, or nil
// when the transaction changed nothing. Edits made before an error are framed
// too, since the replica already holds them.
func (r *Replica) Edit(edit func(tx *crdt.Transaction) error) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update, err := r.doc.Transact(edit)
	if update == nil {
		return nil, err
	}
	return codec.EncodeSyncUpdate(update), err
}

// Text returns the concatenated values of a sequence root.
func (r *Replica) Text(root string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text(root)
}

// Contents snapshots every non-empty root.
func (r *Replica) Contents() crdt.Contents {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Contents()
}

// StateVector returns the replica's decoded state vector.
func (r *Replica) StateVector() crdt.StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.StateVector()
}
