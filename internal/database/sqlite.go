package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"github.com/MarcoPoloResearchLab/propertysync/internal/localstore"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDatabaseLocked indicates that another process holds the database file.
var ErrDatabaseLocked = errors.New("database is in use by another process")

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append(entities.Models(), localstore.Models()...)
	models = append(models, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// AcquireLock takes an exclusive OS lock next to the database file so a single process owns it.
// In-memory databases need no lock.
func AcquireLock(path string) (func() error, error) {
	if isMemoryPath(path) {
		return func() error { return nil }, nil
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire database lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseLocked, path)
	}
	return lock.Unlock, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:") || strings.Contains(path, "mode=memory")
}
