package persistence

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
)

// buildHistory edits a replica many times and returns every update it produced.
func buildHistory(t *testing.T, edits int) (*crdt.Doc, [][]byte) {
	t.Helper()
	doc := crdt.NewDoc(42)
	updates := make([][]byte, 0, edits)
	for index := 0; index < edits; index++ {
		update, err := doc.Transact(func(tx *crdt.Transaction) error {
			if err := tx.Append("chat", fmt.Sprintf("message-%d", index)); err != nil {
				return err
			}
			if index%5 == 4 {
				if err := tx.Delete("chat", 0, 1); err != nil {
					return err
				}
			}
			return tx.Set("sheet", fmt.Sprintf("A%d", index%7), fmt.Sprintf("%d", index))
		})
		if err != nil {
			t.Fatalf("edit %d failed: %v", index, err)
		}
		updates = append(updates, update)
	}
	return doc, updates
}

func assertReplays(t *testing.T, state []byte, expected *crdt.Doc) {
	t.Helper()
	replica := crdt.NewDoc(7)
	if len(state) > 0 {
		if _, err := replica.ApplyUpdate(state); err != nil {
			t.Fatalf("failed to replay state: %v", err)
		}
	}
	if !reflect.DeepEqual(replica.Contents(), expected.Contents()) {
		t.Fatalf("replayed state differs:\nwant %+v\ngot  %+v", expected.Contents(), replica.Contents())
	}
}

type recordingGateway struct {
	mu      sync.Mutex
	records []Flush
	signal  chan struct{}
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{signal: make(chan struct{}, 64)}
}

func (g *recordingGateway) Load(context.Context, string) ([]byte, error) {
	return nil, nil
}

func (g *recordingGateway) Record(_ context.Context, _ string, flush Flush) error {
	g.mu.Lock()
	g.records = append(g.records, flush)
	g.mu.Unlock()
	g.signal <- struct{}{}
	return nil
}

func (g *recordingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

func (g *recordingGateway) last() Flush {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records[len(g.records)-1]
}

var errGatewayDown = errors.New("gateway down")

// flakyGateway fails its first writes, can hold writes at a gate and tracks
// how many writes overlap.
type flakyGateway struct {
	mu          sync.Mutex
	failures    int
	gate        chan struct{}
	records     []Flush
	inFlight    int
	maxInFlight int
	entered     chan struct{}
}

func newFlakyGateway(failures int) *flakyGateway {
	return &flakyGateway{failures: failures, entered: make(chan struct{}, 64)}
}

func (g *flakyGateway) Load(context.Context, string) ([]byte, error) {
	return nil, nil
}

func (g *flakyGateway) Record(_ context.Context, _ string, flush Flush) error {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	gate := g.gate
	g.mu.Unlock()
	g.entered <- struct{}{}
	if gate != nil {
		<-gate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	if g.failures > 0 {
		g.failures--
		return errGatewayDown
	}
	g.records = append(g.records, Flush{Delta: flush.Delta})
	return nil
}

func (g *flakyGateway) deltas() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	deltas := make([][]byte, 0, len(g.records))
	for _, record := range g.records {
		deltas = append(deltas, record.Delta)
	}
	return deltas
}
