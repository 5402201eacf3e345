package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSharedWith     = "2026-09-02_backfill_shared_with"
	migrationPurgeOrphanBlocks      = "2026-09-14_purge_orphan_page_blocks"
	migrationStripOwnerProviderName = "2026-10-01_strip_owner_provider_prefix"
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
		{name: migrationBackfillSharedWith, apply: backfillSharedWith},
		{name: migrationPurgeOrphanBlocks, apply: purgeOrphanBlocks},
		{name: migrationStripOwnerProviderName, apply: stripOwnerProviderPrefix},
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
		applyErr := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if applyErr != nil {
			return fmt.Errorf("migration %s: %w", migration.name, applyErr)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before sharing existed carry an empty string instead of a JSON list.
func backfillSharedWith(db *gorm.DB) error {
	return db.Model(&pages.PageRecord{}).
		Where("shared_with_json = '' OR shared_with_json IS NULL").
		Update("shared_with_json", "[]").Error
}

func purgeOrphanBlocks(db *gorm.DB) error {
	return db.Where("page_id NOT IN (?)", db.Model(&pages.PageRecord{}).Select("page_id")).
		Delete(&pages.BlockRecord{}).Error
}

func stripOwnerProviderPrefix(db *gorm.DB) error {
	const prefix = "google:"
	statement := fmt.Sprintf("UPDATE pages SET owner_id = substr(owner_id, %d) WHERE owner_id LIKE '%s%%';", len(prefix)+1, prefix)
	return db.Exec(statement).Error
}
