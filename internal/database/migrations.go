package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/persistence"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationPruneFoldedUpdates = "2024-06-01_prune_folded_updates"
	migrationBackfillByteSize   = "2024-06-15_backfill_update_byte_size"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPruneFoldedUpdates, apply: pruneFoldedUpdates},
		{name: migrationBackfillByteSize, apply: backfillUpdateByteSize},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// pruneFoldedUpdates removes log rows an interrupted compaction already folded
// into the document checkpoint.
func pruneFoldedUpdates(db *gorm.DB) error {
	checkpoint := db.Model(&persistence.DocumentSnapshot{}).
		Select("snapshot_update_id").
		Where("collab_document_snapshots.document_id = collab_document_updates.document_id")
	return db.Where("update_id <= (?)", checkpoint).Delete(&persistence.DocumentUpdate{}).Error
}

func backfillUpdateByteSize(db *gorm.DB) error {
	return db.Model(&persistence.DocumentUpdate{}).
		Where("byte_size = 0").
		Update("byte_size", gorm.Expr("length(update_blob)")).Error
}
