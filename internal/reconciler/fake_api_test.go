package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"github.com/MarcoPoloResearchLab/propertysync/internal/localstore"
	"github.com/MarcoPoloResearchLab/propertysync/internal/remote"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeKey struct {
	entityType entities.EntityType
	id         string
}

type fakeCall struct {
	method  string
	key     fakeKey
	payload json.RawMessage
}

// fakeAPI is an in-memory authoritative server with version checks.
type fakeAPI struct {
	mu         sync.Mutex
	records    map[fakeKey]remote.Record
	serverIDs  []string
	failures   []error
	calls      []fakeCall
	changes    []remote.Record
	serverTime time.Time
	pageSize   int
}

func newFakeAPI(serverIDs ...string) *fakeAPI {
	return &fakeAPI{
		records:    make(map[fakeKey]remote.Record),
		serverIDs:  serverIDs,
		serverTime: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
	}
}

func (f *fakeAPI) failWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeAPI) nextFailure() error {
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeAPI) seed(record remote.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[fakeKey{record.EntityType, record.ID}] = record
}

func (f *fakeAPI) record(entityType entities.EntityType, id string) (remote.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[fakeKey{entityType, id}]
	return record, ok
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAPI) canonical(entityType entities.EntityType, id string, version int64, payload json.RawMessage) (remote.Record, error) {
	decoded, err := entities.Decode(entityType, payload)
	if err != nil {
		return remote.Record{}, &remote.APIError{StatusCode: http.StatusUnprocessableEntity, Code: remote.CodeInvalid, Message: err.Error()}
	}
	decoded.SetRecordID(id)
	decoded.SyncState().Version = version
	decoded.SyncState().IsDirty = false
	data, err := entities.Encode(decoded)
	if err != nil {
		return remote.Record{}, err
	}
	return remote.Record{EntityType: entityType, ID: id, Version: version, UpdatedAt: f.serverTime, Data: data}, nil
}

func (f *fakeAPI) Create(_ context.Context, entityType entities.EntityType, localID string, payload json.RawMessage) (remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{method: http.MethodPost, key: fakeKey{entityType, localID}, payload: payload})
	if err := f.nextFailure(); err != nil {
		return remote.Record{}, err
	}
	id := localID
	if len(f.serverIDs) > 0 {
		id = f.serverIDs[0]
		f.serverIDs = f.serverIDs[1:]
	}
	record, err := f.canonical(entityType, id, 1, payload)
	if err != nil {
		return remote.Record{}, err
	}
	f.records[fakeKey{entityType, id}] = record
	return record, nil
}

func (f *fakeAPI) Update(_ context.Context, entityType entities.EntityType, id string, baseVersion int64, payload json.RawMessage) (remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeKey{entityType, id}
	f.calls = append(f.calls, fakeCall{method: http.MethodPut, key: key, payload: payload})
	if err := f.nextFailure(); err != nil {
		return remote.Record{}, err
	}
	current, ok := f.records[key]
	if !ok || current.Deleted {
		return remote.Record{}, &remote.APIError{StatusCode: http.StatusNotFound, Code: remote.CodeNotFound}
	}
	if current.Version != baseVersion {
		snapshot := current
		return remote.Record{}, &remote.APIError{StatusCode: http.StatusConflict, Code: remote.CodeConflict, Current: &snapshot}
	}
	record, err := f.canonical(entityType, id, current.Version+1, payload)
	if err != nil {
		return remote.Record{}, err
	}
	f.records[key] = record
	return record, nil
}

func (f *fakeAPI) Delete(_ context.Context, entityType entities.EntityType, id string, baseVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeKey{entityType, id}
	f.calls = append(f.calls, fakeCall{method: http.MethodDelete, key: key})
	if err := f.nextFailure(); err != nil {
		return err
	}
	current, ok := f.records[key]
	if !ok || current.Deleted {
		return &remote.APIError{StatusCode: http.StatusNotFound, Code: remote.CodeNotFound}
	}
	if current.Version != baseVersion {
		snapshot := current
		return &remote.APIError{StatusCode: http.StatusConflict, Code: remote.CodeConflict, Current: &snapshot}
	}
	delete(f.records, key)
	return nil
}

func (f *fakeAPI) Changes(_ context.Context, _ time.Time, cursor string, _ int) (remote.ChangeFeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageSize <= 0 || len(f.changes) <= f.pageSize {
		if cursor != "" {
			return remote.ChangeFeed{ServerTime: f.serverTime}, nil
		}
		return remote.ChangeFeed{Changes: f.changes, ServerTime: f.serverTime}, nil
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := min(start+f.pageSize, len(f.changes))
	feed := remote.ChangeFeed{Changes: f.changes[start:end], ServerTime: f.serverTime}
	if end < len(f.changes) {
		feed.NextCursor = strconv.Itoa(end)
	}
	return feed, nil
}

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("local-%d", s.next), nil
}

func newTestStore(t *testing.T, clock *manualClock) *localstore.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "reconciler.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(append(entities.Models(), localstore.Models()...)...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := localstore.NewStore(localstore.StoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestReconciler(t *testing.T, store *localstore.Store, api remote.API, clock *manualClock, mutate func(*Config)) *Reconciler {
	t.Helper()
	cfg := Config{
		Store:        store,
		API:          api,
		Clock:        clock.Now,
		RetryCeiling: 5,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	reconciler, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	return reconciler
}

func mustWrite(t *testing.T, store *localstore.Store, record entities.Record) localstore.MutationEntry {
	t.Helper()
	entry, err := store.Write(context.Background(), record, "manager")
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	return entry
}

func mustRun(t *testing.T, reconciler *Reconciler) PassResult {
	t.Helper()
	result, err := reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected pass error: %v", err)
	}
	return result
}

func mustEntry(t *testing.T, store *localstore.Store, id int64) localstore.MutationEntry {
	t.Helper()
	entry, err := store.Entry(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected entry error: %v", err)
	}
	return entry
}

func serverError(status int) error {
	return &remote.APIError{StatusCode: status, Code: remote.CodeInternal, Message: http.StatusText(status)}
}

func newClock() *manualClock {
	return &manualClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}
