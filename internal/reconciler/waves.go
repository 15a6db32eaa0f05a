package reconciler

import (
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"github.com/MarcoPoloResearchLab/propertysync/internal/localstore"
)

type entityKey struct {
	entityType entities.EntityType
	id         string
}

// entryKeys returns the record the entry writes followed by every record its payload references.
func entryKeys(entry localstore.MutationEntry) []entityKey {
	keys := []entityKey{{entityType: entry.Type(), id: entry.EntityID}}
	record, err := entry.Record()
	if err != nil {
		return keys
	}
	for _, link := range record.Links() {
		keys = append(keys, entityKey{entityType: link.Target, id: link.ID})
	}
	return keys
}

// drainState tracks what a pass may no longer touch.
type drainState struct {
	blocked   map[entityKey]struct{}
	attempted map[int64]struct{}
}

func newDrainState() *drainState {
	return &drainState{
		blocked:   make(map[entityKey]struct{}),
		attempted: make(map[int64]struct{}),
	}
}

func (s *drainState) block(entry localstore.MutationEntry) {
	s.blocked[entityKey{entityType: entry.Type(), id: entry.EntityID}] = struct{}{}
}

func (s *drainState) touchesBlocked(keys []entityKey) bool {
	for _, key := range keys {
		if _, ok := s.blocked[key]; ok {
			return true
		}
	}
	return false
}

// nextWave selects, in queue order, entries that can be dispatched together. Entries that cannot run
// this pass block their own record so later writes that depend on it wait as well. The wave stops at
// the first runnable entry that overlaps an entry already in the wave.
func (s *drainState) nextWave(pending []localstore.MutationEntry, now time.Time, limit int) []localstore.MutationEntry {
	if limit < 1 {
		limit = 1
	}
	var wave []localstore.MutationEntry
	inWave := make(map[entityKey]struct{})

	for _, entry := range pending {
		keys := entryKeys(entry)
		if _, done := s.attempted[entry.ID]; done {
			s.block(entry)
			continue
		}
		if entry.Status == localstore.StatusNeedsAttention || !entry.DueAt(now) || s.touchesBlocked(keys) {
			s.block(entry)
			continue
		}
		overlaps := false
		for _, key := range keys {
			if _, ok := inWave[key]; ok {
				overlaps = true
				break
			}
		}
		if overlaps {
			break
		}
		wave = append(wave, entry)
		for _, key := range keys {
			inWave[key] = struct{}{}
		}
		if len(wave) == limit {
			break
		}
	}
	return wave
}
