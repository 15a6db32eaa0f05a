package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"github.com/MarcoPoloResearchLab/propertysync/internal/remote"
)

const (
	defaultChangeLimit = 200
	maxChangeLimit     = 1000
)

var (
	// ErrRecordNotFound indicates that the ledger has no live record under the key.
	ErrRecordNotFound = errors.New("ledger: record not found")
	// ErrInvalidCursor indicates a change feed cursor the ledger did not issue.
	ErrInvalidCursor = errors.New("ledger: invalid cursor")
)

var errMissingIDProvider = errors.New("ledger: id provider required")

// ConflictError reports a write whose base version is behind the ledger.
type ConflictError struct {
	Current     remote.Record
	BaseVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ledger: %s/%s is at version %d, write assumed %d",
		e.Current.EntityType, e.Current.ID, e.Current.Version, e.BaseVersion)
}

// LedgerConfig configures the reference ledger.
type LedgerConfig struct {
	Clock      func() time.Time
	IDProvider entities.IDProvider
}

type ledgerKey struct {
	entityType entities.EntityType
	id         string
}

type ledgerEntry struct {
	record remote.Record
	seq    int64
}

// Ledger is the authoritative in-memory record set of the reference server. Every accepted write
// bumps the record version and a global sequence that orders the change feed.
type Ledger struct {
	mu      sync.Mutex
	clock   func() time.Time
	ids     entities.IDProvider
	records map[ledgerKey]ledgerEntry
	created map[string]ledgerKey
	seq     int64
}

// NewLedger constructs an empty ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		clock:   clock,
		ids:     cfg.IDProvider,
		records: make(map[ledgerKey]ledgerEntry),
		created: make(map[string]ledgerKey),
	}, nil
}

// Create stores a new record under a server-assigned id. A replay carrying the same device and
// local id returns the record created the first time.
func (l *Ledger) Create(entityType entities.EntityType, deviceID, localID string, payload []byte) (remote.Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	replayKey := ""
	if deviceID != "" && localID != "" {
		replayKey = deviceID + "\x00" + localID
		if key, ok := l.created[replayKey]; ok {
			return l.records[key].record, true, nil
		}
	}

	id, err := l.ids.NewID()
	if err != nil {
		return remote.Record{}, false, err
	}
	record, err := l.canonical(entityType, id, 1, payload)
	if err != nil {
		return remote.Record{}, false, err
	}
	key := ledgerKey{entityType: entityType, id: id}
	l.put(key, record)
	if replayKey != "" {
		l.created[replayKey] = key
	}
	return record, false, nil
}

// Update replaces a live record when baseVersion matches its current version.
func (l *Ledger) Update(entityType entities.EntityType, id string, baseVersion int64, payload []byte) (remote.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{entityType: entityType, id: id}
	current, err := l.liveRecord(key, baseVersion)
	if err != nil {
		return remote.Record{}, err
	}
	record, err := l.canonical(entityType, id, current.Version+1, payload)
	if err != nil {
		return remote.Record{}, err
	}
	l.put(key, record)
	return record, nil
}

// Delete replaces a live record with a tombstone when baseVersion matches.
func (l *Ledger) Delete(entityType entities.EntityType, id string, baseVersion int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{entityType: entityType, id: id}
	current, err := l.liveRecord(key, baseVersion)
	if err != nil {
		return err
	}
	l.put(key, remote.Record{
		EntityType: entityType,
		ID:         id,
		Version:    current.Version + 1,
		Deleted:    true,
		UpdatedAt:  l.clock().UTC(),
	})
	return nil
}

// Get returns the current state of a record, tombstones included.
func (l *Ledger) Get(entityType entities.EntityType, id string) (remote.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.records[ledgerKey{entityType: entityType, id: id}]
	return entry.record, ok
}

// Seed installs a record as-is, bypassing version checks.
func (l *Ledger) Seed(record remote.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = l.clock().UTC()
	}
	l.put(ledgerKey{entityType: record.EntityType, id: record.ID}, record)
}

// Changes returns the latest state of every record touched at or after since, in write order.
// The cursor is the sequence of the last change already delivered.
func (l *Ledger) Changes(since time.Time, cursor string, limit int) (remote.ChangeFeed, error) {
	after := int64(0)
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || parsed < 0 {
			return remote.ChangeFeed{}, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
		}
		after = parsed
	}
	if limit <= 0 {
		limit = defaultChangeLimit
	}
	limit = min(limit, maxChangeLimit)

	l.mu.Lock()
	defer l.mu.Unlock()

	serverTime := l.clock().UTC()
	matching := make([]ledgerEntry, 0)
	for _, entry := range l.records {
		if entry.seq <= after {
			continue
		}
		if !since.IsZero() && entry.record.UpdatedAt.Before(since) {
			continue
		}
		matching = append(matching, entry)
	}
	slices.SortFunc(matching, func(a, b ledgerEntry) int {
		return int(a.seq - b.seq)
	})

	feed := remote.ChangeFeed{Changes: make([]remote.Record, 0, min(limit, len(matching))), ServerTime: serverTime}
	for index, entry := range matching {
		if index == limit {
			feed.NextCursor = strconv.FormatInt(matching[index-1].seq, 10)
			break
		}
		feed.Changes = append(feed.Changes, entry.record)
	}
	return feed, nil
}

func (l *Ledger) liveRecord(key ledgerKey, baseVersion int64) (remote.Record, error) {
	entry, ok := l.records[key]
	if !ok || entry.record.Deleted {
		return remote.Record{}, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, key.entityType, key.id)
	}
	if entry.record.Version != baseVersion {
		return remote.Record{}, &ConflictError{Current: entry.record, BaseVersion: baseVersion}
	}
	return entry.record, nil
}

func (l *Ledger) put(key ledgerKey, record remote.Record) {
	l.seq++
	l.records[key] = ledgerEntry{record: record, seq: l.seq}
}

// canonical decodes the client payload and rewrites the server-owned columns.
func (l *Ledger) canonical(entityType entities.EntityType, id string, version int64, payload []byte) (remote.Record, error) {
	decoded, err := entities.Decode(entityType, payload)
	if err != nil {
		return remote.Record{}, err
	}
	now := l.clock().UTC()
	decoded.SetRecordID(id)
	state := decoded.SyncState()
	state.Version = version
	state.IsDirty = false
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	data, err := entities.Encode(decoded)
	if err != nil {
		return remote.Record{}, err
	}
	return remote.Record{
		EntityType: entityType,
		ID:         id,
		Version:    version,
		UpdatedAt:  now,
		Data:       json.RawMessage(data),
	}, nil
}
