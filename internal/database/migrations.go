package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/localstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationUnsyncedEntityIndex = "2026-03-01_unsynced_entity_index"

	unsyncedEntityIndex = "idx_mutation_queue_unsynced_entity"
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
		{name: migrationUnsyncedEntityIndex, apply: createUnsyncedEntityIndex},
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

// createUnsyncedEntityIndex adds a partial index for the per-record pending lookups done on every
// write, confirmation and pulled change. Struct tags cannot express the WHERE clause.
func createUnsyncedEntityIndex(db *gorm.DB) error {
	return db.Exec(fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (entity_type, entity_id) WHERE is_synced = 0",
		unsyncedEntityIndex, localstore.MutationEntry{}.TableName())).Error
}
