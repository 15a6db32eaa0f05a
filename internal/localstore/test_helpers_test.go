package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestStore(t *testing.T, ids ...string) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(entities.Models(), Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &steppingClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, db
}

func mustWrite(t *testing.T, store *Store, record entities.Record) MutationEntry {
	t.Helper()
	entry, err := store.Write(context.Background(), record, "manager@example.com")
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	return entry
}

func mustRead[T entities.Record](t *testing.T, store *Store, entityType entities.EntityType, id string) T {
	t.Helper()
	record, err := store.Read(context.Background(), entityType, id)
	if err != nil {
		t.Fatalf("unexpected read error for %s %s: %v", entityType, id, err)
	}
	typed, ok := record.(T)
	if !ok {
		t.Fatalf("unexpected record type %T", record)
	}
	return typed
}

func mustPending(t *testing.T, store *Store) []MutationEntry {
	t.Helper()
	entries, err := store.Pending(context.Background())
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	return entries
}

func stringPointer(value string) *string {
	return &value
}
