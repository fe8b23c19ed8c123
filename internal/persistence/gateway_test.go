package persistence

import (
	"context"
	"testing"
)

func TestSnapshotGatewayRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	gateway, err := NewGateway(GatewayConfig{Mode: ModeSnapshot, Store: store})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	doc, updates := buildHistory(t, 40)

	if err := gateway.Record(context.Background(), "sheet-1", NewFlush(updates[len(updates)-1], doc.EncodeState)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	state, err := gateway.Load(context.Background(), "sheet-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	assertReplays(t, state, doc)
}

func TestLogGatewayCompactsAfterThreshold(t *testing.T) {
	store := NewMemoryStore()
	gateway, err := NewGateway(GatewayConfig{Mode: ModeLog, Store: store, CompactEvery: 4})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	doc, updates := buildHistory(t, 10)
	for index, update := range updates {
		if err := gateway.Record(context.Background(), "log-1", NewFlush(update, nil)); err != nil {
			t.Fatalf("record %d failed: %v", index, err)
		}
	}
	if got := store.UpdateCount("log-1"); got != 2 {
		t.Fatalf("expected two uncompacted updates, got %d", got)
	}
	state, err := gateway.Load(context.Background(), "log-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	assertReplays(t, state, doc)

	compactor, ok := gateway.(Compactor)
	if !ok {
		t.Fatalf("expected log gateway to support compaction")
	}
	if err := compactor.Compact(context.Background(), "log-1"); err != nil {
		t.Fatalf("compact failed: %v", err)
	}
	if got := store.UpdateCount("log-1"); got != 0 {
		t.Fatalf("expected empty log after compaction, got %d", got)
	}
	state, err = gateway.Load(context.Background(), "log-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	assertReplays(t, state, doc)
}

func TestGatewayLoadUnknownDocumentReturnsNil(t *testing.T) {
	gateway, err := NewGateway(GatewayConfig{Mode: ModeLog, Store: NewMemoryStore()})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	state, err := gateway.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state for a new document")
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeLog, "log": ModeLog, " Snapshot ": ModeSnapshot}
	for input, expected := range cases {
		mode, err := ParseMode(input)
		if err != nil || mode != expected {
			t.Fatalf("ParseMode(%q) = %q, %v", input, mode, err)
		}
	}
	if _, err := ParseMode("journal"); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}
