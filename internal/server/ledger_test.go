package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
)

type countingIDs struct {
	prefix string
	next   int
}

func (c *countingIDs) NewID() (string, error) {
	c.next++
	return fmt.Sprintf("%s-%d", c.prefix, c.next), nil
}

type tickingClock struct {
	current time.Time
}

func (c *tickingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestLedger(t *testing.T) (*Ledger, *tickingClock) {
	t.Helper()
	clock := &tickingClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger, err := NewLedger(LedgerConfig{Clock: clock.Now, IDProvider: &countingIDs{prefix: "srv"}})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	return ledger, clock
}

func TestLedgerCreateAssignsServerIDAndDeduplicatesReplays(t *testing.T) {
	ledger, _ := newTestLedger(t)

	record, replayed, err := ledger.Create(entities.TypeTenant, "device-1", "tmp-1", []byte(`{"id":"tmp-1","full_name":"Ada","is_dirty":true}`))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if replayed || record.ID != "srv-1" || record.Version != 1 {
		t.Fatalf("unexpected created record %+v (replayed=%v)", record, replayed)
	}
	var tenant entities.Tenant
	if err := json.Unmarshal(record.Data, &tenant); err != nil {
		t.Fatalf("failed to decode canonical payload: %v", err)
	}
	if tenant.ID != "srv-1" || tenant.IsDirty || tenant.Version != 1 || tenant.FullName != "Ada" {
		t.Fatalf("unexpected canonical payload %+v", tenant)
	}

	again, replayed, err := ledger.Create(entities.TypeTenant, "device-1", "tmp-1", []byte(`{"id":"tmp-1","full_name":"Ada"}`))
	if err != nil {
		t.Fatalf("unexpected replay error: %v", err)
	}
	if !replayed || again.ID != "srv-1" {
		t.Fatalf("expected replay to return srv-1, got %+v", again)
	}

	other, _, err := ledger.Create(entities.TypeTenant, "device-2", "tmp-1", []byte(`{"full_name":"Grace"}`))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if other.ID != "srv-2" {
		t.Fatalf("expected another device to get a new record, got %s", other.ID)
	}
}

func TestLedgerRejectsInvalidPayload(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if _, _, err := ledger.Create(entities.TypeTenant, "", "", []byte(`[1,2]`)); !errors.Is(err, entities.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
}

func TestLedgerUpdateChecksBaseVersion(t *testing.T) {
	ledger, _ := newTestLedger(t)
	created, _, err := ledger.Create(entities.TypeTenant, "", "", []byte(`{"full_name":"Ada"}`))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	updated, err := ledger.Update(entities.TypeTenant, created.ID, 1, []byte(`{"full_name":"Ada L."}`))
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	_, err = ledger.Update(entities.TypeTenant, created.ID, 1, []byte(`{"full_name":"stale"}`))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if conflict.Current.Version != 2 || conflict.BaseVersion != 1 {
		t.Fatalf("unexpected conflict details %+v", conflict)
	}

	if _, err := ledger.Update(entities.TypeTenant, "missing", 1, []byte(`{}`)); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLedgerDeleteLeavesTombstone(t *testing.T) {
	ledger, _ := newTestLedger(t)
	created, _, err := ledger.Create(entities.TypeProperty, "", "", []byte(`{"name":"Elm"}`))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := ledger.Delete(entities.TypeProperty, created.ID, 1); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	tombstone, ok := ledger.Get(entities.TypeProperty, created.ID)
	if !ok || !tombstone.Deleted || tombstone.Version != 2 || tombstone.Data != nil {
		t.Fatalf("unexpected tombstone %+v", tombstone)
	}
	if err := ledger.Delete(entities.TypeProperty, created.ID, 2); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected deleted record to be not found, got %v", err)
	}
}

func TestLedgerChangesPagesInWriteOrder(t *testing.T) {
	ledger, _ := newTestLedger(t)
	var ids []string
	for index := range 5 {
		record, _, err := ledger.Create(entities.TypeTenant, "", "", []byte(fmt.Sprintf(`{"full_name":"tenant %d"}`, index)))
		if err != nil {
			t.Fatalf("unexpected create error: %v", err)
		}
		ids = append(ids, record.ID)
	}
	// Touching the first record moves it to the end of the feed.
	if _, err := ledger.Update(entities.TypeTenant, ids[0], 1, []byte(`{"full_name":"renamed"}`)); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		feed, err := ledger.Changes(time.Time{}, cursor, 2)
		if err != nil {
			t.Fatalf("unexpected changes error: %v", err)
		}
		pages++
		for _, change := range feed.Changes {
			seen = append(seen, change.ID)
		}
		if feed.NextCursor == "" {
			break
		}
		cursor = feed.NextCursor
	}
	expected := []string{ids[1], ids[2], ids[3], ids[4], ids[0]}
	if fmt.Sprint(seen) != fmt.Sprint(expected) {
		t.Fatalf("expected %v, got %v", expected, seen)
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}
}

func TestLedgerChangesFiltersBySinceInclusively(t *testing.T) {
	ledger, clock := newTestLedger(t)
	if _, _, err := ledger.Create(entities.TypeTenant, "", "", []byte(`{"full_name":"old"}`)); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	since := clock.current.Add(time.Second)
	recent, _, err := ledger.Create(entities.TypeTenant, "", "", []byte(`{"full_name":"new"}`))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if !recent.UpdatedAt.Equal(since) {
		t.Fatalf("expected record stamped at %v, got %v", since, recent.UpdatedAt)
	}

	feed, err := ledger.Changes(since, "", 0)
	if err != nil {
		t.Fatalf("unexpected changes error: %v", err)
	}
	if len(feed.Changes) != 1 || feed.Changes[0].ID != recent.ID {
		t.Fatalf("expected only the recent record, got %+v", feed.Changes)
	}
	if !feed.ServerTime.After(since) {
		t.Fatalf("expected server time after since, got %v", feed.ServerTime)
	}
	if _, err := ledger.Changes(time.Time{}, "not-a-cursor", 0); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected invalid cursor error, got %v", err)
	}
}

func TestNewLedgerRequiresIDProvider(t *testing.T) {
	if _, err := NewLedger(LedgerConfig{}); err == nil {
		t.Fatalf("expected missing id provider to be rejected")
	}
}
