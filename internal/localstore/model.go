package localstore

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
)

// Operation enumerates queued mutation kinds.
type Operation string

const (
	// OperationCreate inserts a record the server has not seen yet.
	OperationCreate Operation = "CREATE"
	// OperationUpdate replaces a record the server already knows.
	OperationUpdate Operation = "UPDATE"
	// OperationDelete removes a record on the server.
	OperationDelete Operation = "DELETE"
)

// EntryStatus tracks where a queue entry is in its lifecycle.
type EntryStatus string

const (
	// StatusPending entries are drained by the next reconciliation pass.
	StatusPending EntryStatus = "pending"
	// StatusNeedsAttention entries exhausted their retries or hit a conflict under the manual policy.
	StatusNeedsAttention EntryStatus = "needs_attention"
	// StatusDiscarded entries lost a conflict and were superseded by the server record.
	StatusDiscarded EntryStatus = "discarded"
	// StatusSynced entries were confirmed by the server.
	StatusSynced EntryStatus = "synced"
)

// MutationEntry is one durable row of the mutation queue.
type MutationEntry struct {
	ID             int64       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	EntityType     string      `gorm:"column:entity_type;size:64;not null;index:idx_queue_entity,priority:1" json:"entity_type"`
	EntityID       string      `gorm:"column:entity_id;size:190;not null;index:idx_queue_entity,priority:2" json:"entity_id"`
	Operation      Operation   `gorm:"column:operation;size:16;not null" json:"operation"`
	JSONData       string      `gorm:"column:json_data;type:text;not null" json:"json_data"`
	LocalID        *string     `gorm:"column:local_id;size:190" json:"local_id,omitempty"`
	BaseVersion    int64       `gorm:"column:base_version;not null;default:0" json:"base_version"`
	Timestamp      time.Time   `gorm:"column:timestamp;not null" json:"timestamp"`
	IsSynced       bool        `gorm:"column:is_synced;not null;default:false;index:idx_queue_synced,priority:1" json:"is_synced"`
	SyncedAt       *time.Time  `gorm:"column:synced_at" json:"synced_at,omitempty"`
	RetryCount     int         `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	LastError      *string     `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	ServerEntityID *string     `gorm:"column:server_entity_id;size:190" json:"server_entity_id,omitempty"`
	Status         EntryStatus `gorm:"column:status;size:32;not null;default:'pending';index:idx_queue_synced,priority:2" json:"status"`
	NextAttemptAt  *time.Time  `gorm:"column:next_attempt_at" json:"next_attempt_at,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (MutationEntry) TableName() string {
	return "mutation_queue"
}

// Type returns the typed entity tag.
func (e MutationEntry) Type() entities.EntityType {
	return entities.EntityType(e.EntityType)
}

// Record decodes the payload snapshot through the entity registry.
func (e MutationEntry) Record() (entities.Record, error) {
	return entities.Decode(e.Type(), []byte(e.JSONData))
}

// DueAt reports whether backoff allows another attempt at the given time.
func (e MutationEntry) DueAt(now time.Time) bool {
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}

// SyncMetadata is one key of process-wide sync state.
type SyncMetadata struct {
	Key       string    `gorm:"column:key;primaryKey;size:190;not null"`
	Value     string    `gorm:"column:value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// Models lists the sync support tables for schema migration.
func Models() []any {
	return []any{&MutationEntry{}, &SyncMetadata{}}
}

// ServerRecord is the canonical server view of an entity, as applied locally.
type ServerRecord struct {
	EntityType entities.EntityType
	ID         string
	Version    int64
	Deleted    bool
	Payload    json.RawMessage
	UpdatedAt  time.Time
}

// Confirmation carries the server acknowledgement of a queue entry.
type Confirmation struct {
	ServerEntityID string
	ServerVersion  int64
	ServerPayload  json.RawMessage
}

// Failure describes a failed remote attempt for a queue entry.
type Failure struct {
	Message       string
	Terminal      bool
	NextAttemptAt *time.Time
}

// QueueStats counts queue entries by status.
type QueueStats struct {
	Pending        int64
	NeedsAttention int64
	Discarded      int64
	Synced         int64
}

// Unresolved returns the number of entries the server has not accepted yet.
func (s QueueStats) Unresolved() int64 {
	return s.Pending + s.NeedsAttention
}

// Filter narrows List results.
type Filter struct {
	Dirty  *bool
	Equals map[string]any
	Limit  int
}
