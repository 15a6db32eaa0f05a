package localstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

const (
	fieldEntityType = "entity_type"
	fieldEntityID   = "entity_id"
	fieldEntryID    = "entry_id"
	queryByID       = "id = ?"
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the dependencies of the local store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider entities.IDProvider
	Logger     *zap.Logger
}

// Store owns every durable table of the client: entity tables, the mutation queue and sync metadata.
type Store struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  entities.IDProvider
	logger      *zap.Logger
	schemaCache *sync.Map
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		schemaCache: &sync.Map{},
	}, nil
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// Write upserts the record as a dirty local change and enqueues the matching mutation in the same
// transaction. A record without an id, or with an id unknown locally, becomes a CREATE.
func (s *Store) Write(ctx context.Context, record entities.Record, actor string) (MutationEntry, error) {
	if record == nil {
		return MutationEntry{}, newStoreError(opWrite, reasonInvalidRecord, ErrInvalidRecord)
	}
	descriptor, err := entities.Lookup(record.EntityType())
	if err != nil {
		return MutationEntry{}, newStoreError(opWrite, reasonUnknownType, err)
	}

	var entry MutationEntry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		recordID := strings.TrimSpace(record.RecordID())
		operation := OperationCreate
		var existing entities.Record

		if recordID == "" {
			generated, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opWrite, reasonIDGeneration, err, zap.String(fieldEntityType, descriptor.Type.String()))
				return newStoreError(opWrite, reasonIDGeneration, err)
			}
			recordID = generated
		} else {
			validated, err := entities.ValidateID(recordID)
			if err != nil {
				return newStoreError(opWrite, reasonInvalidRecord, err)
			}
			recordID = validated
			found, err := s.findTx(tx, descriptor, recordID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				s.logError(opWrite, reasonSelectFailed, err,
					zap.String(fieldEntityType, descriptor.Type.String()),
					zap.String(fieldEntityID, recordID))
				return newStoreError(opWrite, reasonSelectFailed, err)
			}
			if found != nil {
				existing = found
				operation = OperationUpdate
			}
		}

		record.SetRecordID(recordID)
		state := record.SyncState()
		state.IsDirty = true
		state.UpdatedAt = now
		state.LastModifiedBy = actorPointer(actor)

		var baseVersion int64
		var localID *string
		if existing == nil {
			state.Version = 1
			state.CreatedAt = now
			localID = &recordID
			if err := tx.Create(record).Error; err != nil {
				s.logError(opWrite, reasonSaveFailed, err,
					zap.String(fieldEntityType, descriptor.Type.String()),
					zap.String(fieldEntityID, recordID))
				return newStoreError(opWrite, reasonSaveFailed, err)
			}
		} else {
			previous := existing.SyncState()
			baseVersion = previous.Version
			state.Version = previous.Version + 1
			state.CreatedAt = previous.CreatedAt
			if err := tx.Save(record).Error; err != nil {
				s.logError(opWrite, reasonSaveFailed, err,
					zap.String(fieldEntityType, descriptor.Type.String()),
					zap.String(fieldEntityID, recordID))
				return newStoreError(opWrite, reasonSaveFailed, err)
			}
		}

		enqueued, err := s.enqueueTx(tx, record, operation, baseVersion, localID, now)
		if err != nil {
			s.logError(opWrite, reasonEnqueueFailed, err,
				zap.String(fieldEntityType, descriptor.Type.String()),
				zap.String(fieldEntityID, recordID))
			return newStoreError(opWrite, reasonEnqueueFailed, err)
		}
		entry = enqueued
		return nil
	})
	if txErr != nil {
		return MutationEntry{}, txErr
	}
	return entry, nil
}

// Delete removes the local record and enqueues a DELETE carrying its last snapshot.
func (s *Store) Delete(ctx context.Context, entityType entities.EntityType, id string, actor string) (MutationEntry, error) {
	descriptor, err := entities.Lookup(entityType)
	if err != nil {
		return MutationEntry{}, newStoreError(opDelete, reasonUnknownType, err)
	}

	var entry MutationEntry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.findTx(tx, descriptor, id)
		if errors.Is(err, ErrNotFound) {
			return newStoreError(opDelete, reasonNotFound, err)
		}
		if err != nil {
			s.logError(opDelete, reasonSelectFailed, err, zap.String(fieldEntityID, id))
			return newStoreError(opDelete, reasonSelectFailed, err)
		}

		now := s.now()
		state := existing.SyncState()
		baseVersion := state.Version
		state.UpdatedAt = now
		state.LastModifiedBy = actorPointer(actor)

		if err := tx.Delete(existing).Error; err != nil {
			s.logError(opDelete, reasonDeleteFailed, err, zap.String(fieldEntityID, id))
			return newStoreError(opDelete, reasonDeleteFailed, err)
		}

		enqueued, err := s.enqueueTx(tx, existing, OperationDelete, baseVersion, nil, now)
		if err != nil {
			s.logError(opDelete, reasonEnqueueFailed, err, zap.String(fieldEntityID, id))
			return newStoreError(opDelete, reasonEnqueueFailed, err)
		}
		entry = enqueued
		return nil
	})
	if txErr != nil {
		return MutationEntry{}, txErr
	}
	return entry, nil
}

// Read returns the local view of one record, dirty or not.
func (s *Store) Read(ctx context.Context, entityType entities.EntityType, id string) (entities.Record, error) {
	descriptor, err := entities.Lookup(entityType)
	if err != nil {
		return nil, newStoreError(opRead, reasonUnknownType, err)
	}
	record, err := s.findTx(s.db.WithContext(ctx), descriptor, id)
	if errors.Is(err, ErrNotFound) {
		return nil, newStoreError(opRead, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opRead, reasonSelectFailed, err, zap.String(fieldEntityID, id))
		return nil, newStoreError(opRead, reasonSelectFailed, err)
	}
	return record, nil
}

// List returns local records of one type ordered by creation time.
func (s *Store) List(ctx context.Context, entityType entities.EntityType, filter Filter) ([]entities.Record, error) {
	descriptor, err := entities.Lookup(entityType)
	if err != nil {
		return nil, newStoreError(opList, reasonUnknownType, err)
	}

	query := s.db.WithContext(ctx)
	if filter.Dirty != nil {
		query = query.Where("is_dirty = ?", *filter.Dirty)
	}
	if len(filter.Equals) > 0 {
		parsed, err := schema.Parse(descriptor.New(), s.schemaCache, s.db.NamingStrategy)
		if err != nil {
			return nil, newStoreError(opList, reasonInvalidFilter, err)
		}
		for column, value := range filter.Equals {
			if _, ok := parsed.FieldsByDBName[column]; !ok {
				return nil, newStoreError(opList, reasonInvalidFilter, fmt.Errorf("%w: unknown column %q", ErrInvalidFilter, column))
			}
			query = query.Where(fmt.Sprintf("%s = ?", column), value)
		}
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	records, err := descriptor.Find(query.Order("created_at ASC").Order("id ASC"))
	if err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String(fieldEntityType, entityType.String()))
		return nil, newStoreError(opList, reasonQueryFailed, err)
	}
	return records, nil
}

// ClearAll truncates every entity table and both sync tables in one transaction.
func (s *Store) ClearAll(ctx context.Context) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tables := make([]string, 0, len(entities.Descriptors())+2)
		for _, descriptor := range entities.Descriptors() {
			tables = append(tables, descriptor.Table)
		}
		tables = append(tables, MutationEntry{}.TableName(), SyncMetadata{}.TableName())

		for _, table := range tables {
			if err := tx.Exec(fmt.Sprintf("DELETE FROM %q", table)).Error; err != nil {
				s.logError(opClearAll, reasonDeleteFailed, err, zap.String("table", table))
				return newStoreError(opClearAll, reasonDeleteFailed, err)
			}
		}

		var sequenceTables int64
		if err := tx.Raw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'").
			Scan(&sequenceTables).Error; err != nil {
			return newStoreError(opClearAll, reasonQueryFailed, err)
		}
		if sequenceTables > 0 {
			if err := tx.Exec("DELETE FROM sqlite_sequence WHERE name = ?", MutationEntry{}.TableName()).Error; err != nil {
				return newStoreError(opClearAll, reasonDeleteFailed, err)
			}
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}
	s.logger.Info("local state cleared")
	return nil
}

// MarkClean clears the dirty flag once the server confirmed every pending write of the record and
// reconciles the local version with the server version.
func (s *Store) MarkClean(ctx context.Context, entityType entities.EntityType, id string, serverVersion int64) error {
	descriptor, err := entities.Lookup(entityType)
	if err != nil {
		return newStoreError(opMarkClean, reasonUnknownType, err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.markCleanTx(tx, descriptor, id, serverVersion); err != nil {
			s.logError(opMarkClean, reasonUpdateFailed, err, zap.String(fieldEntityID, id))
			return newStoreError(opMarkClean, reasonUpdateFailed, err)
		}
		return nil
	})
}

// ApplyServerChange folds one pulled server record into the local store. Records that are dirty or
// still have unsynced queue entries are skipped so unsynced local work is never clobbered.
func (s *Store) ApplyServerChange(ctx context.Context, change ServerRecord) (bool, error) {
	descriptor, err := entities.Lookup(change.EntityType)
	if err != nil {
		return false, newStoreError(opApplyServerChange, reasonUnknownType, err)
	}

	applied := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unsynced, err := s.activeEntryCountTx(tx, descriptor.Type, change.ID)
		if err != nil {
			return newStoreError(opApplyServerChange, reasonQueryFailed, err)
		}
		existing, err := s.findTx(tx, descriptor, change.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return newStoreError(opApplyServerChange, reasonSelectFailed, err)
		}
		if unsynced > 0 || (existing != nil && existing.SyncState().IsDirty) {
			return nil
		}
		if err := s.overwriteTx(tx, descriptor, existing, change); err != nil {
			s.logError(opApplyServerChange, reasonSaveFailed, err,
				zap.String(fieldEntityType, descriptor.Type.String()),
				zap.String(fieldEntityID, change.ID))
			return newStoreError(opApplyServerChange, reasonSaveFailed, err)
		}
		applied = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return applied, nil
}

func (s *Store) findTx(tx *gorm.DB, descriptor entities.Descriptor, id string) (entities.Record, error) {
	record := descriptor.New()
	err := tx.Where(queryByID, id).Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, descriptor.Type, id)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) markCleanTx(tx *gorm.DB, descriptor entities.Descriptor, id string, serverVersion int64) error {
	existing, err := s.findTx(tx, descriptor, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	unsynced, err := s.activeEntryCountTx(tx, descriptor.Type, id)
	if err != nil {
		return err
	}
	state := existing.SyncState()
	updates := map[string]any{
		"version":  max(state.Version, serverVersion),
		"is_dirty": unsynced > 0,
	}
	return tx.Table(descriptor.Table).Where(queryByID, id).Updates(updates).Error
}

// overwriteTx replaces the local row with the server record, or deletes it for a tombstone.
func (s *Store) overwriteTx(tx *gorm.DB, descriptor entities.Descriptor, existing entities.Record, change ServerRecord) error {
	if change.Deleted {
		if existing == nil {
			return nil
		}
		return tx.Delete(existing).Error
	}

	record, err := descriptor.Decode(change.Payload)
	if err != nil {
		return err
	}
	record.SetRecordID(change.ID)
	state := record.SyncState()
	state.IsDirty = false
	state.Version = change.Version
	if existing != nil {
		if state.Version <= 0 {
			state.Version = existing.SyncState().Version
		}
		state.CreatedAt = existing.SyncState().CreatedAt
	}
	if state.Version <= 0 {
		state.Version = 1
	}
	updatedAt := change.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	state.UpdatedAt = updatedAt.UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}
	if existing == nil {
		return tx.Create(record).Error
	}
	return tx.Save(record).Error
}

func actorPointer(actor string) *string {
	trimmed := strings.TrimSpace(actor)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}
