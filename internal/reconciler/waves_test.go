package reconciler

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"github.com/MarcoPoloResearchLab/propertysync/internal/localstore"
)

func queued(id int64, entityType entities.EntityType, entityID, payload string) localstore.MutationEntry {
	return localstore.MutationEntry{
		ID:         id,
		EntityType: entityType.String(),
		EntityID:   entityID,
		Operation:  localstore.OperationCreate,
		JSONData:   payload,
		Status:     localstore.StatusPending,
	}
}

func waveIDs(wave []localstore.MutationEntry) []int64 {
	ids := make([]int64, len(wave))
	for index, entry := range wave {
		ids[index] = entry.ID
	}
	return ids
}

func TestNextWaveStopsAtDependentEntry(t *testing.T) {
	pending := []localstore.MutationEntry{
		queued(1, entities.TypeProperty, "p-1", `{"id":"p-1"}`),
		queued(2, entities.TypeTenant, "t-1", `{"id":"t-1"}`),
		queued(3, entities.TypeUnit, "u-1", `{"id":"u-1","property_id":"p-1"}`),
		queued(4, entities.TypeTenant, "t-2", `{"id":"t-2"}`),
	}
	state := newDrainState()

	wave := state.nextWave(pending, time.Now(), 8)
	ids := waveIDs(wave)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("expected wave [1 2], got %v", ids)
	}
}

func TestNextWaveHonorsLimitAndSerialMode(t *testing.T) {
	pending := []localstore.MutationEntry{
		queued(1, entities.TypeTenant, "t-1", `{"id":"t-1"}`),
		queued(2, entities.TypeTenant, "t-2", `{"id":"t-2"}`),
		queued(3, entities.TypeTenant, "t-3", `{"id":"t-3"}`),
	}
	if wave := newDrainState().nextWave(pending, time.Now(), 2); len(wave) != 2 {
		t.Fatalf("expected wave of two, got %d", len(wave))
	}
	if wave := newDrainState().nextWave(pending, time.Now(), 0); len(wave) != 1 {
		t.Fatalf("expected serial wave, got %d", len(wave))
	}
}

func TestNextWaveSkipsBlockedAndDeferredEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	parked := queued(1, entities.TypeTenant, "t-1", `{"id":"t-1"}`)
	parked.Status = localstore.StatusNeedsAttention
	deferred := queued(2, entities.TypeProperty, "p-1", `{"id":"p-1"}`)
	deferred.NextAttemptAt = &later
	dependent := queued(3, entities.TypeLease, "l-1", `{"id":"l-1","unit_id":"u-1","tenant_id":"t-1"}`)
	dependentOnDeferred := queued(4, entities.TypeBuilding, "b-1", `{"id":"b-1","property_id":"p-1"}`)
	independent := queued(5, entities.TypeTenant, "t-9", `{"id":"t-9"}`)

	state := newDrainState()
	wave := state.nextWave([]localstore.MutationEntry{parked, deferred, dependent, dependentOnDeferred, independent}, now, 4)
	ids := waveIDs(wave)
	if len(ids) != 1 || ids[0] != 5 {
		t.Fatalf("expected only the independent entry, got %v", ids)
	}

	state.attempted[5] = struct{}{}
	if wave := state.nextWave([]localstore.MutationEntry{independent}, now, 4); len(wave) != 0 {
		t.Fatalf("expected attempted entry to be skipped within the pass")
	}
}

func TestBackoffDelayDoublesUntilCeiling(t *testing.T) {
	testCases := []struct {
		retryCount int
		expected   time.Duration
	}{
		{retryCount: 0, expected: time.Second},
		{retryCount: 1, expected: 2 * time.Second},
		{retryCount: 3, expected: 8 * time.Second},
		{retryCount: 4, expected: 10 * time.Second},
		{retryCount: 60, expected: 10 * time.Second},
	}
	for _, testCase := range testCases {
		if got := backoffDelay(time.Second, 10*time.Second, testCase.retryCount); got != testCase.expected {
			t.Fatalf("retry %d: expected %v, got %v", testCase.retryCount, testCase.expected, got)
		}
	}
	if got := backoffDelay(0, time.Minute, 3); got != 0 {
		t.Fatalf("expected zero base to disable backoff, got %v", got)
	}
}
