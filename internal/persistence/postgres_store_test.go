package persistence

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresDSNEnv = "GRAVITY_COLLAB_TEST_POSTGRES_DSN"

func TestPostgresStoreSnapshotRoundTrip(t *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	store, err := NewPostgresStore(PostgresStoreConfig{Pool: pool})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema failed: %v", err)
	}
	documentID := fmt.Sprintf("pg-test-%d", time.Now().UnixNano())
	state, err := store.Load(ctx, documentID)
	if err != nil || state != nil {
		t.Fatalf("expected empty load, got %d bytes (%v)", len(state), err)
	}
	doc, _ := buildHistory(t, 30)
	if err := store.SaveSnapshot(ctx, documentID, doc.EncodeState()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	state, err = store.Load(ctx, documentID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	assertReplays(t, state, doc)
}

func TestNewPostgresStoreRequiresPool(t *testing.T) {
	if _, err := NewPostgresStore(PostgresStoreConfig{}); err == nil {
		t.Fatalf("expected missing pool error")
	}
}
