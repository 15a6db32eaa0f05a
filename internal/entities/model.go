package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityType tags the entity table a record or mutation belongs to.
type EntityType string

const (
	TypeProperty  EntityType = "property"
	TypeBuilding  EntityType = "building"
	TypeUnit      EntityType = "unit"
	TypeTenant    EntityType = "tenant"
	TypeLease     EntityType = "lease"
	TypeWorkOrder EntityType = "work_order"
	TypePayment   EntityType = "payment"
	TypeTicket    EntityType = "ticket"
	TypeDevice    EntityType = "device"
)

const maxIdentifierLength = 190

var (
	// ErrUnknownEntityType indicates that no table is registered for the entity type.
	ErrUnknownEntityType = errors.New("entities: unknown entity type")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entities: invalid entity id")
	// ErrInvalidPayload indicates that a serialized record could not be decoded.
	ErrInvalidPayload = errors.New("entities: invalid payload")
)

// String returns the underlying tag.
func (t EntityType) String() string {
	return string(t)
}

// ParseEntityType validates raw input against the registry.
func ParseEntityType(rawInput string) (EntityType, error) {
	candidate := EntityType(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := registry[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, rawInput)
	}
	return candidate, nil
}

// ValidateID checks that an identifier fits the id columns.
func ValidateID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}

// SyncColumns are the bookkeeping columns every entity table carries.
type SyncColumns struct {
	Version        int64     `gorm:"column:version;not null;default:1" json:"version"`
	LastModifiedBy *string   `gorm:"column:last_modified_by;size:190" json:"last_modified_by,omitempty"`
	IsDirty        bool      `gorm:"column:is_dirty;not null;default:false;index" json:"is_dirty"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

// Model is embedded by every entity model.
type Model struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	SyncColumns `gorm:"embedded"`
}

// RecordID returns the primary key.
func (m *Model) RecordID() string {
	return m.ID
}

// SetRecordID replaces the primary key.
func (m *Model) SetRecordID(id string) {
	m.ID = id
}

// SyncState exposes the sync columns for mutation.
func (m *Model) SyncState() *SyncColumns {
	return &m.SyncColumns
}

// Reference names a foreign key column and the entity type it points at.
type Reference struct {
	Column string
	Target EntityType
}

// Link is a resolved reference: the id a record currently points at.
type Link struct {
	Target EntityType
	ID     string
}

// Record is implemented by every entity model pointer.
type Record interface {
	EntityType() EntityType
	RecordID() string
	SetRecordID(id string)
	SyncState() *SyncColumns
	// Links returns the non-empty foreign keys of the record.
	Links() []Link
	// RemapLink rewrites every foreign key pointing at oldID of the target type.
	RemapLink(target EntityType, oldID, newID string) bool
}

func link(target EntityType, id string) []Link {
	if id == "" {
		return nil
	}
	return []Link{{Target: target, ID: id}}
}

func optionalLink(target EntityType, id *string) []Link {
	if id == nil {
		return nil
	}
	return link(target, *id)
}

func remap(field *string, oldID, newID string) bool {
	if *field != oldID {
		return false
	}
	*field = newID
	return true
}

func remapOptional(field *string, oldID, newID string) bool {
	if field == nil {
		return false
	}
	return remap(field, oldID, newID)
}
