package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/persistence"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsPrunesFoldedUpdates(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&persistence.DocumentUpdate{}, &persistence.DocumentSnapshot{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	for index, documentID := range []string{"doc-1", "doc-1", "doc-1", "doc-2"} {
		update := persistence.DocumentUpdate{
			DocumentID:        documentID,
			UpdateBlob:        []byte{byte(index), 1, 2},
			UpdateHash:        string(rune('a' + index)),
			RecordedAtSeconds: 1,
		}
		if err := database.Create(&update).Error; err != nil {
			testContext.Fatalf("failed to insert update: %v", err)
		}
	}
	snapshot := persistence.DocumentSnapshot{
		DocumentID:       "doc-1",
		SnapshotBlob:     []byte{0, 0},
		SnapshotUpdateID: 2,
		UpdatedAtSeconds: 1,
	}
	if err := database.Create(&snapshot).Error; err != nil {
		testContext.Fatalf("failed to insert snapshot: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []persistence.DocumentUpdate
	if err := database.Order("update_id ASC").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload updates: %v", err)
	}
	if len(remaining) != 2 {
		testContext.Fatalf("expected 2 updates to survive, got %d", len(remaining))
	}
	if remaining[0].UpdateID != 3 || remaining[1].DocumentID != "doc-2" {
		testContext.Fatalf("unexpected surviving updates %+v", remaining)
	}
	for _, update := range remaining {
		if update.ByteSize != 3 {
			testContext.Fatalf("expected byte size backfilled, got %d", update.ByteSize)
		}
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("failed to load migration records: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", len(records))
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("reapplying migrations failed: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "collab.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"collab_document_updates", "collab_document_snapshots", "collab_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
