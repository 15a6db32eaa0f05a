package entities

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
)

// Descriptor binds an entity type to its table, typed constructor and reference columns.
type Descriptor struct {
	Type       EntityType
	Table      string
	References []Reference

	newRecord func() Record
	find      func(query *gorm.DB) ([]Record, error)
}

// New returns an empty typed record.
func (d Descriptor) New() Record {
	return d.newRecord()
}

// Find runs the query against the descriptor table and returns typed records.
func (d Descriptor) Find(query *gorm.DB) ([]Record, error) {
	return d.find(query.Table(d.Table))
}

// Decode parses a serialized payload into a typed record.
func (d Descriptor) Decode(payload []byte) (Record, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: %s: empty", ErrInvalidPayload, d.Type)
	}
	record := d.newRecord()
	if err := json.Unmarshal(payload, record); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, d.Type, err)
	}
	return record, nil
}

func describe[T any, P interface {
	*T
	Record
}](entityType EntityType, table string, references ...Reference) Descriptor {
	return Descriptor{
		Type:       entityType,
		Table:      table,
		References: references,
		newRecord: func() Record {
			return P(new(T))
		},
		find: func(query *gorm.DB) ([]Record, error) {
			var rows []T
			if err := query.Find(&rows).Error; err != nil {
				return nil, err
			}
			records := make([]Record, len(rows))
			for index := range rows {
				records[index] = P(&rows[index])
			}
			return records, nil
		},
	}
}

// order lists parents before children so migrations and clears are deterministic.
var order = []EntityType{
	TypeProperty,
	TypeBuilding,
	TypeUnit,
	TypeTenant,
	TypeLease,
	TypeWorkOrder,
	TypePayment,
	TypeTicket,
	TypeDevice,
}

var registry = map[EntityType]Descriptor{
	TypeProperty: describe[Property](TypeProperty, "properties"),
	TypeBuilding: describe[Building](TypeBuilding, "buildings",
		Reference{Column: "property_id", Target: TypeProperty}),
	TypeUnit: describe[Unit](TypeUnit, "units",
		Reference{Column: "property_id", Target: TypeProperty},
		Reference{Column: "building_id", Target: TypeBuilding}),
	TypeTenant: describe[Tenant](TypeTenant, "tenants"),
	TypeLease: describe[Lease](TypeLease, "leases",
		Reference{Column: "unit_id", Target: TypeUnit},
		Reference{Column: "tenant_id", Target: TypeTenant}),
	TypeWorkOrder: describe[WorkOrder](TypeWorkOrder, "work_orders",
		Reference{Column: "property_id", Target: TypeProperty},
		Reference{Column: "unit_id", Target: TypeUnit}),
	TypePayment: describe[Payment](TypePayment, "payments",
		Reference{Column: "lease_id", Target: TypeLease}),
	TypeTicket: describe[Ticket](TypeTicket, "tickets",
		Reference{Column: "property_id", Target: TypeProperty},
		Reference{Column: "unit_id", Target: TypeUnit},
		Reference{Column: "tenant_id", Target: TypeTenant}),
	TypeDevice: describe[Device](TypeDevice, "devices",
		Reference{Column: "property_id", Target: TypeProperty},
		Reference{Column: "unit_id", Target: TypeUnit}),
}

// Lookup returns the descriptor registered for the entity type.
func Lookup(entityType EntityType) (Descriptor, error) {
	descriptor, ok := registry[entityType]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return descriptor, nil
}

// Descriptors returns every registered descriptor, parents first.
func Descriptors() []Descriptor {
	descriptors := make([]Descriptor, 0, len(order))
	for _, entityType := range order {
		descriptors = append(descriptors, registry[entityType])
	}
	return descriptors
}

// Models returns one empty model per entity table, for schema migration.
func Models() []any {
	models := make([]any, 0, len(order))
	for _, entityType := range order {
		models = append(models, registry[entityType].New())
	}
	return models
}

// Decode parses a payload tagged with its entity type.
func Decode(entityType EntityType, payload []byte) (Record, error) {
	descriptor, err := Lookup(entityType)
	if err != nil {
		return nil, err
	}
	return descriptor.Decode(payload)
}

// Encode serializes a record for the queue or the wire.
func Encode(record Record) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidPayload)
	}
	return json.Marshal(record)
}
