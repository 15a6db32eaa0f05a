package localstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// KeyLastSyncTimestamp holds the server clock of the last completed pull, RFC3339 with nanoseconds.
	KeyLastSyncTimestamp = "last_sync_timestamp"
	// KeyDeviceID identifies this installation to the server.
	KeyDeviceID = "device_id"
	// KeyLastPassSummary holds the JSON summary of the latest reconciliation pass.
	KeyLastPassSummary = "last_pass_summary"
)

// GetMetadata returns the stored value and whether the key exists.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var row SyncMetadata
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opMetadataGet, reasonSelectFailed, err, zap.String("key", key))
		return "", false, newStoreError(opMetadataGet, reasonSelectFailed, err)
	}
	return row.Value, true, nil
}

// UpsertMetadata writes the value, replacing any previous one.
func (s *Store) UpsertMetadata(ctx context.Context, key, value string) error {
	return s.upsertMetadataTx(s.db.WithContext(ctx), key, value)
}

func (s *Store) upsertMetadataTx(tx *gorm.DB, key, value string) error {
	row := SyncMetadata{Key: key, Value: value, UpdatedAt: s.now()}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opMetadataUpsert, reasonSaveFailed, err, zap.String("key", key))
		return newStoreError(opMetadataUpsert, reasonSaveFailed, err)
	}
	return nil
}

// LastSyncTime returns the server time of the last completed pull.
func (s *Store) LastSyncTime(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.GetMetadata(ctx, KeyLastSyncTimestamp)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, newStoreError(opMetadataGet, reasonDecodeFailed, err)
	}
	return parsed.UTC(), true, nil
}

// SetLastSyncTime records the server time of a completed pull.
func (s *Store) SetLastSyncTime(ctx context.Context, at time.Time) error {
	return s.UpsertMetadata(ctx, KeyLastSyncTimestamp, at.UTC().Format(time.RFC3339Nano))
}

// EnsureDeviceID returns the stored device id, generating and persisting one on first use.
func (s *Store) EnsureDeviceID(ctx context.Context) (string, error) {
	var deviceID string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SyncMetadata
		err := tx.Where("key = ?", KeyDeviceID).Take(&row).Error
		if err == nil && row.Value != "" {
			deviceID = row.Value
			return nil
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opMetadataGet, reasonSelectFailed, err)
		}
		generated, err := s.idProvider.NewID()
		if err != nil {
			return newStoreError(opMetadataUpsert, reasonIDGeneration, err)
		}
		if err := s.upsertMetadataTx(tx, KeyDeviceID, generated); err != nil {
			return err
		}
		deviceID = generated
		s.logger.Info("device id generated", zap.String("device_id", generated))
		return nil
	})
	if txErr != nil {
		return "", txErr
	}
	return deviceID, nil
}
