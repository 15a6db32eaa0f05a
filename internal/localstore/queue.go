package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	queryUnsyncedForEntity = "entity_type = ? AND entity_id = ? AND is_synced = ? AND status <> ?"
	queryUnsynced          = "is_synced = ? AND status <> ?"

	discardedByUser = "discarded by user"
)

func (s *Store) enqueueTx(tx *gorm.DB, record entities.Record, operation Operation, baseVersion int64, localID *string, now time.Time) (MutationEntry, error) {
	payload, err := entities.Encode(record)
	if err != nil {
		return MutationEntry{}, err
	}
	entry := MutationEntry{
		EntityType:  record.EntityType().String(),
		EntityID:    record.RecordID(),
		Operation:   operation,
		JSONData:    string(payload),
		LocalID:     localID,
		BaseVersion: baseVersion,
		Timestamp:   now,
		Status:      StatusPending,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return MutationEntry{}, err
	}
	return entry, nil
}

func (s *Store) activeEntryCountTx(tx *gorm.DB, entityType entities.EntityType, id string) (int64, error) {
	var count int64
	err := tx.Model(&MutationEntry{}).
		Where(queryUnsyncedForEntity, entityType.String(), id, false, StatusDiscarded).
		Count(&count).Error
	return count, err
}

func (s *Store) entryTx(tx *gorm.DB, operation string, id int64) (MutationEntry, error) {
	var entry MutationEntry
	err := tx.Where(queryByID, id).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MutationEntry{}, newStoreError(operation, reasonEntryNotFound, fmt.Errorf("%w: %d", ErrEntryNotFound, id))
	}
	if err != nil {
		s.logError(operation, reasonSelectFailed, err, zap.Int64(fieldEntryID, id))
		return MutationEntry{}, newStoreError(operation, reasonSelectFailed, err)
	}
	return entry, nil
}

// Pending returns every unsynced, non-discarded entry in enqueue order. Entries awaiting manual
// resolution are included so callers can hold back later writes that depend on them.
func (s *Store) Pending(ctx context.Context) ([]MutationEntry, error) {
	var entries []MutationEntry
	err := s.db.WithContext(ctx).
		Where(queryUnsynced, false, StatusDiscarded).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		s.logError(opPending, reasonQueryFailed, err)
		return nil, newStoreError(opPending, reasonQueryFailed, err)
	}
	return entries, nil
}

// Entries lists queue entries in enqueue order, optionally narrowed to a status.
func (s *Store) Entries(ctx context.Context, status EntryStatus, limit int) ([]MutationEntry, error) {
	query := s.db.WithContext(ctx).Order("id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []MutationEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, newStoreError(opPending, reasonQueryFailed, err)
	}
	return entries, nil
}

// Entry loads one queue entry by id.
func (s *Store) Entry(ctx context.Context, id int64) (MutationEntry, error) {
	return s.entryTx(s.db.WithContext(ctx), opEntry, id)
}

// MarkSynced flags the entry as accepted by the server. When the server assigned a different id
// to a created record, every local reference to the temporary id is rewritten in the same
// transaction. Marking an already synced entry is a no-op.
func (s *Store) MarkSynced(ctx context.Context, id int64, serverEntityID *string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.entryTx(tx, opMarkSynced, id)
		if err != nil {
			return err
		}
		if entry.IsSynced {
			return nil
		}
		canonical := ""
		if serverEntityID != nil {
			canonical = *serverEntityID
		}
		_, err = s.markSyncedTx(tx, opMarkSynced, entry, canonical)
		return err
	})
}

// Confirm records a server acknowledgement: it marks the entry synced, remaps a server-assigned
// id, rebases later writes of the same record onto the server version and, once nothing else is
// pending for the record, stores the canonical server payload as a clean row.
func (s *Store) Confirm(ctx context.Context, id int64, confirmation Confirmation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.entryTx(tx, opConfirm, id)
		if err != nil {
			return err
		}
		if entry.IsSynced {
			return nil
		}
		descriptor, err := entities.Lookup(entry.Type())
		if err != nil {
			return newStoreError(opConfirm, reasonUnknownType, err)
		}

		canonicalID, err := s.markSyncedTx(tx, opConfirm, entry, confirmation.ServerEntityID)
		if err != nil {
			return err
		}

		if confirmation.ServerVersion > 0 {
			err := tx.Model(&MutationEntry{}).
				Where(queryUnsyncedForEntity, entry.EntityType, canonicalID, false, StatusDiscarded).
				Where("id > ? AND base_version < ?", entry.ID, confirmation.ServerVersion).
				Update("base_version", confirmation.ServerVersion).Error
			if err != nil {
				s.logError(opConfirm, reasonUpdateFailed, err, zap.Int64(fieldEntryID, entry.ID))
				return newStoreError(opConfirm, reasonUpdateFailed, err)
			}
		}

		if entry.Operation == OperationDelete {
			return nil
		}

		remaining, err := s.activeEntryCountTx(tx, descriptor.Type, canonicalID)
		if err != nil {
			return newStoreError(opConfirm, reasonQueryFailed, err)
		}
		if remaining == 0 && len(confirmation.ServerPayload) > 0 {
			existing, err := s.findTx(tx, descriptor, canonicalID)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return newStoreError(opConfirm, reasonSelectFailed, err)
			}
			change := ServerRecord{
				EntityType: descriptor.Type,
				ID:         canonicalID,
				Version:    max(confirmation.ServerVersion, existing.SyncState().Version),
				Payload:    confirmation.ServerPayload,
			}
			if err := s.overwriteTx(tx, descriptor, existing, change); err != nil {
				s.logError(opConfirm, reasonSaveFailed, err, zap.String(fieldEntityID, canonicalID))
				return newStoreError(opConfirm, reasonSaveFailed, err)
			}
			return nil
		}

		if err := s.markCleanTx(tx, descriptor, canonicalID, confirmation.ServerVersion); err != nil {
			s.logError(opConfirm, reasonUpdateFailed, err, zap.String(fieldEntityID, canonicalID))
			return newStoreError(opConfirm, reasonUpdateFailed, err)
		}
		return nil
	})
}

// markSyncedTx flags the entry and returns the id the record is known by from now on.
func (s *Store) markSyncedTx(tx *gorm.DB, operation string, entry MutationEntry, serverEntityID string) (string, error) {
	now := s.now()
	updates := map[string]any{
		"is_synced":       true,
		"synced_at":       now,
		"status":          StatusSynced,
		"last_error":      nil,
		"next_attempt_at": nil,
	}
	canonicalID := entry.EntityID
	if serverEntityID != "" {
		updates["server_entity_id"] = serverEntityID
		canonicalID = serverEntityID
	}
	if err := tx.Model(&MutationEntry{}).Where(queryByID, entry.ID).Updates(updates).Error; err != nil {
		s.logError(operation, reasonUpdateFailed, err, zap.Int64(fieldEntryID, entry.ID))
		return "", newStoreError(operation, reasonUpdateFailed, err)
	}
	if canonicalID != entry.EntityID {
		if err := s.remapTx(tx, entry.Type(), entry.EntityID, canonicalID); err != nil {
			s.logError(operation, reasonRemapFailed, err,
				zap.String(fieldEntityType, entry.EntityType),
				zap.String("temporary_id", entry.EntityID),
				zap.String("server_id", canonicalID))
			return "", newStoreError(operation, reasonRemapFailed, err)
		}
		s.logger.Info("remapped temporary id",
			zap.String(fieldEntityType, entry.EntityType),
			zap.String("temporary_id", entry.EntityID),
			zap.String("server_id", canonicalID))
	}
	return canonicalID, nil
}

// remapTx rewrites a temporary id to the server id across the entity row, every foreign key
// column pointing at it and every unsynced queue payload. A row already stored under the server
// id came from a pull of a replayed create; the local row supersedes it.
func (s *Store) remapTx(tx *gorm.DB, entityType entities.EntityType, oldID, newID string) error {
	descriptor, err := entities.Lookup(entityType)
	if err != nil {
		return err
	}
	var existing int64
	if err := tx.Table(descriptor.Table).Where(queryByID, newID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		if err := tx.Where(queryByID, newID).Delete(descriptor.New()).Error; err != nil {
			return err
		}
		s.logger.Info("merged pulled copy into local record",
			zap.String(fieldEntityType, entityType.String()),
			zap.String("temporary_id", oldID),
			zap.String("server_id", newID))
	}
	if err := tx.Table(descriptor.Table).Where(queryByID, oldID).Update("id", newID).Error; err != nil {
		return err
	}
	for _, other := range entities.Descriptors() {
		for _, reference := range other.References {
			if reference.Target != entityType {
				continue
			}
			column := reference.Column
			err := tx.Table(other.Table).
				Where(fmt.Sprintf("%s = ?", column), oldID).
				Update(column, newID).Error
			if err != nil {
				return err
			}
		}
	}

	var unsynced []MutationEntry
	if err := tx.Where("is_synced = ?", false).Order("id ASC").Find(&unsynced).Error; err != nil {
		return err
	}
	for _, entry := range unsynced {
		record, err := entry.Record()
		if err != nil {
			return err
		}
		changed := false
		if entry.Type() == entityType && entry.EntityID == oldID {
			entry.EntityID = newID
			record.SetRecordID(newID)
			changed = true
		}
		if record.RemapLink(entityType, oldID, newID) {
			changed = true
		}
		if !changed {
			continue
		}
		payload, err := entities.Encode(record)
		if err != nil {
			return err
		}
		err = tx.Model(&MutationEntry{}).Where(queryByID, entry.ID).Updates(map[string]any{
			"entity_id": entry.EntityID,
			"json_data": string(payload),
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordFailure stores a failed attempt. The retry count only ever grows.
func (s *Store) RecordFailure(ctx context.Context, id int64, failure Failure) (MutationEntry, error) {
	var updated MutationEntry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.entryTx(tx, opRecordFailure, id)
		if err != nil {
			return err
		}
		if entry.IsSynced {
			return newStoreError(opRecordFailure, reasonAlreadySynced, fmt.Errorf("%w: %d", ErrAlreadySynced, id))
		}
		status := StatusPending
		if failure.Terminal {
			status = StatusNeedsAttention
		}
		message := failure.Message
		updates := map[string]any{
			"retry_count":     gorm.Expr("retry_count + ?", 1),
			"last_error":      &message,
			"status":          status,
			"next_attempt_at": failure.NextAttemptAt,
		}
		if err := tx.Model(&MutationEntry{}).Where(queryByID, id).Updates(updates).Error; err != nil {
			s.logError(opRecordFailure, reasonUpdateFailed, err, zap.Int64(fieldEntryID, id))
			return newStoreError(opRecordFailure, reasonUpdateFailed, err)
		}
		reloaded, err := s.entryTx(tx, opRecordFailure, id)
		if err != nil {
			return err
		}
		updated = reloaded
		return nil
	})
	if txErr != nil {
		return MutationEntry{}, txErr
	}
	return updated, nil
}

// DiscardForConflict resolves a conflict in favor of the server: every unsynced entry of the record
// is discarded with the reason and the local row is replaced by the server record, or removed when
// the server has none.
func (s *Store) DiscardForConflict(ctx context.Context, id int64, server *ServerRecord, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.entryTx(tx, opDiscardForConflict, id)
		if err != nil {
			return err
		}
		if entry.IsSynced {
			return nil
		}
		descriptor, err := entities.Lookup(entry.Type())
		if err != nil {
			return newStoreError(opDiscardForConflict, reasonUnknownType, err)
		}

		localID := entry.EntityID
		err = tx.Model(&MutationEntry{}).
			Where(queryUnsyncedForEntity, entry.EntityType, localID, false, StatusDiscarded).
			Updates(map[string]any{
				"status":          StatusDiscarded,
				"last_error":      &reason,
				"next_attempt_at": nil,
			}).Error
		if err != nil {
			s.logError(opDiscardForConflict, reasonUpdateFailed, err, zap.Int64(fieldEntryID, id))
			return newStoreError(opDiscardForConflict, reasonUpdateFailed, err)
		}

		change := ServerRecord{EntityType: descriptor.Type, ID: localID, Deleted: true}
		if server != nil && !server.Deleted && len(server.Payload) > 0 {
			change = *server
			change.EntityType = descriptor.Type
			if change.ID == "" {
				change.ID = localID
			}
			if change.ID != localID {
				if err := s.remapTx(tx, descriptor.Type, localID, change.ID); err != nil {
					return newStoreError(opDiscardForConflict, reasonRemapFailed, err)
				}
			}
		}

		existing, err := s.findTx(tx, descriptor, change.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return newStoreError(opDiscardForConflict, reasonSelectFailed, err)
		}
		if err := s.overwriteTx(tx, descriptor, existing, change); err != nil {
			s.logError(opDiscardForConflict, reasonSaveFailed, err, zap.String(fieldEntityID, change.ID))
			return newStoreError(opDiscardForConflict, reasonSaveFailed, err)
		}
		s.logger.Warn("local changes discarded after conflict",
			zap.Int64(fieldEntryID, id),
			zap.String(fieldEntityType, entry.EntityType),
			zap.String(fieldEntityID, localID),
			zap.String("reason", reason))
		return nil
	})
}

// Retry returns an entry awaiting manual resolution to the pending state with a fresh schedule.
func (s *Store) Retry(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.entryTx(tx, opRetry, id)
		if err != nil {
			return err
		}
		if entry.IsSynced || entry.Status != StatusNeedsAttention {
			return newStoreError(opRetry, reasonNotRetryable, fmt.Errorf("%w: %d is %s", ErrNotRetryable, id, entry.Status))
		}
		err = tx.Model(&MutationEntry{}).Where(queryByID, id).Updates(map[string]any{
			"status":          StatusPending,
			"next_attempt_at": nil,
		}).Error
		if err != nil {
			return newStoreError(opRetry, reasonUpdateFailed, err)
		}
		return nil
	})
}

// RetryAll moves every entry awaiting manual resolution back to pending.
func (s *Store) RetryAll(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&MutationEntry{}).
		Where("is_synced = ? AND status = ?", false, StatusNeedsAttention).
		Updates(map[string]any{
			"status":          StatusPending,
			"next_attempt_at": nil,
		})
	if result.Error != nil {
		return 0, newStoreError(opRetry, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// Discard drops an unsynced entry without contacting the server. The local row keeps its content
// and is marked clean once no other entry references it.
func (s *Store) Discard(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.entryTx(tx, opDiscard, id)
		if err != nil {
			return err
		}
		if entry.IsSynced {
			return newStoreError(opDiscard, reasonAlreadySynced, fmt.Errorf("%w: %d", ErrAlreadySynced, id))
		}
		if entry.Status == StatusDiscarded {
			return nil
		}
		message := discardedByUser
		if entry.LastError != nil && *entry.LastError != "" {
			message = fmt.Sprintf("%s: %s", discardedByUser, *entry.LastError)
		}
		err = tx.Model(&MutationEntry{}).Where(queryByID, id).Updates(map[string]any{
			"status":          StatusDiscarded,
			"last_error":      &message,
			"next_attempt_at": nil,
		}).Error
		if err != nil {
			return newStoreError(opDiscard, reasonUpdateFailed, err)
		}
		descriptor, err := entities.Lookup(entry.Type())
		if err != nil {
			return newStoreError(opDiscard, reasonUnknownType, err)
		}
		if err := s.markCleanTx(tx, descriptor, entry.EntityID, 0); err != nil {
			return newStoreError(opDiscard, reasonUpdateFailed, err)
		}
		return nil
	})
}

// Cleanup purges entries synced before the cutoff and discarded entries enqueued before it.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC()
	result := s.db.WithContext(ctx).
		Where("(status = ? AND synced_at < ?) OR (status = ? AND timestamp < ?)",
			StatusSynced, cutoff, StatusDiscarded, cutoff).
		Delete(&MutationEntry{})
	if result.Error != nil {
		s.logError(opCleanup, reasonDeleteFailed, result.Error)
		return 0, newStoreError(opCleanup, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Debug("queue cleaned up", zap.Int64("removed", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Stats counts queue entries per status.
func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	type statusCount struct {
		Status EntryStatus
		Total  int64
	}
	var rows []statusCount
	err := s.db.WithContext(ctx).Model(&MutationEntry{}).
		Select("status, count(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return QueueStats{}, newStoreError(opStats, reasonQueryFailed, err)
	}
	var stats QueueStats
	for _, row := range rows {
		switch row.Status {
		case StatusPending:
			stats.Pending = row.Total
		case StatusNeedsAttention:
			stats.NeedsAttention = row.Total
		case StatusDiscarded:
			stats.Discarded = row.Total
		case StatusSynced:
			stats.Synced = row.Total
		}
	}
	return stats, nil
}
