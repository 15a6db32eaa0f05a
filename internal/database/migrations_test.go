package database

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"github.com/MarcoPoloResearchLab/propertysync/internal/localstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsCreatesUnsyncedEntityIndexOnce(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&localstore.MutationEntry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	entry := localstore.MutationEntry{
		EntityType: entities.TypeTenant.String(),
		EntityID:   "t-1",
		Operation:  localstore.OperationCreate,
		JSONData:   `{"id":"t-1"}`,
		Timestamp:  time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		Status:     localstore.StatusPending,
	}
	if err := database.Create(&entry).Error; err != nil {
		testContext.Fatalf("failed to insert entry: %v", err)
	}

	for range 2 {
		if err := applyMigrations(database, zap.NewNop()); err != nil {
			testContext.Fatalf("failed to apply migrations: %v", err)
		}
	}

	if !database.Migrator().HasIndex(&localstore.MutationEntry{}, unsyncedEntityIndex) {
		testContext.Fatalf("expected index %s to exist", unsyncedEntityIndex)
	}

	var definition string
	err = database.Raw("SELECT sql FROM sqlite_master WHERE type = 'index' AND name = ?", unsyncedEntityIndex).Scan(&definition).Error
	if err != nil {
		testContext.Fatalf("failed to read index definition: %v", err)
	}
	if !strings.Contains(definition, "WHERE is_synced = 0") {
		testContext.Fatalf("expected partial index, got %q", definition)
	}

	var count int64
	if err := database.Model(&localstore.MutationEntry{}).Where("entity_type = ? AND entity_id = ? AND is_synced = ?", "tenant", "t-1", false).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to query through index: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one unsynced entry, got %d", count)
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("failed to load migration records: %v", err)
	}
	if len(records) != 1 || records[0].Name != migrationUnsyncedEntityIndex || records[0].AppliedAtSeconds == 0 {
		testContext.Fatalf("expected one recorded migration, got %+v", records)
	}
}

func TestOpenSQLiteMigratesEveryTable(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "client.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	tables := []string{"mutation_queue", "sync_metadata", "db_migrations"}
	for _, descriptor := range entities.Descriptors() {
		tables = append(tables, descriptor.Table)
	}
	for _, table := range tables {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	var applied int64
	if err := database.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if applied != 1 {
		testContext.Fatalf("expected one applied migration, got %d", applied)
	}
}

func TestAcquireLockExcludesSecondHolder(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "locked.db")

	release, err := AcquireLock(databasePath)
	if err != nil {
		testContext.Fatalf("unexpected lock error: %v", err)
	}
	if _, err := AcquireLock(databasePath); !errors.Is(err, ErrDatabaseLocked) {
		testContext.Fatalf("expected second lock to fail, got %v", err)
	}
	if err := release(); err != nil {
		testContext.Fatalf("unexpected unlock error: %v", err)
	}
	again, err := AcquireLock(databasePath)
	if err != nil {
		testContext.Fatalf("expected lock after release, got %v", err)
	}
	_ = again()

	memoryRelease, err := AcquireLock(":memory:")
	if err != nil {
		testContext.Fatalf("expected memory database to skip locking, got %v", err)
	}
	_ = memoryRelease()
}
