package collab

import (
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/awareness"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
)

var errPeerUnavailable = errors.New("peer unavailable")

type recordingPeer struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func newRecordingPeer(id string) *recordingPeer {
	return &recordingPeer{id: id}
}

func (p *recordingPeer) ID() string {
	return p.id
}

func (p *recordingPeer) Send(message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail || p.closed {
		return errPeerUnavailable
	}
	p.frames = append(p.frames, append([]byte(nil), message...))
	return nil
}

func (p *recordingPeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *recordingPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// drain returns and forgets every frame received so far.
func (p *recordingPeer) drain() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	frames := p.frames
	p.frames = nil
	return frames
}

func mustDecode(t *testing.T, frame []byte) codec.Message {
	t.Helper()
	message, err := codec.DecodeMessage(frame)
	if err != nil {
		t.Fatalf("failed to decode frame %x: %v", frame, err)
	}
	return message
}

func mustEdit(t *testing.T, replica *Replica, edit func(tx *crdt.Transaction) error) []byte {
	t.Helper()
	frame, err := replica.Edit(edit)
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if frame == nil {
		t.Fatalf("edit produced no update")
	}
	return frame
}

func presenceFrame(clientID, clock uint64, state string) []byte {
	entry := awareness.Entry{ClientID: clientID, Clock: clock}
	if state != "" {
		entry.State = []byte(state)
	}
	return codec.EncodeAwareness(awareness.EncodeUpdate([]awareness.Entry{entry}))
}

type changeCounter struct {
	mu     sync.Mutex
	deltas [][]byte
}

func (c *changeCounter) DocumentChanged(_ *Document, delta []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltas = append(c.deltas, delta)
}

func (c *changeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deltas)
}
