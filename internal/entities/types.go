package entities

import "time"

// Property is a managed real-estate asset.
type Property struct {
	Model
	Name         string `gorm:"column:name;size:255;not null" json:"name"`
	AddressLine  string `gorm:"column:address_line;size:255" json:"address_line"`
	City         string `gorm:"column:city;size:120" json:"city"`
	Region       string `gorm:"column:region;size:120" json:"region"`
	PostalCode   string `gorm:"column:postal_code;size:32" json:"postal_code"`
	PropertyKind string `gorm:"column:property_kind;size:64" json:"property_kind"`
}

func (Property) TableName() string                          { return "properties" }
func (*Property) EntityType() EntityType                    { return TypeProperty }
func (*Property) Links() []Link                             { return nil }
func (*Property) RemapLink(EntityType, string, string) bool { return false }

// Building groups units of a property.
type Building struct {
	Model
	PropertyID string `gorm:"column:property_id;size:190;not null;index" json:"property_id"`
	Name       string `gorm:"column:name;size:255;not null" json:"name"`
	Floors     int    `gorm:"column:floors" json:"floors"`
}

func (Building) TableName() string       { return "buildings" }
func (*Building) EntityType() EntityType { return TypeBuilding }

func (b *Building) Links() []Link {
	return link(TypeProperty, b.PropertyID)
}

func (b *Building) RemapLink(target EntityType, oldID, newID string) bool {
	if target != TypeProperty {
		return false
	}
	return remap(&b.PropertyID, oldID, newID)
}

// Unit is a rentable space.
type Unit struct {
	Model
	PropertyID string  `gorm:"column:property_id;size:190;not null;index" json:"property_id"`
	BuildingID *string `gorm:"column:building_id;size:190;index" json:"building_id,omitempty"`
	Label      string  `gorm:"column:label;size:120;not null" json:"label"`
	Bedrooms   int     `gorm:"column:bedrooms" json:"bedrooms"`
	RentCents  int64   `gorm:"column:rent_cents" json:"rent_cents"`
	Status     string  `gorm:"column:status;size:32" json:"status"`
}

func (Unit) TableName() string       { return "units" }
func (*Unit) EntityType() EntityType { return TypeUnit }

func (u *Unit) Links() []Link {
	return append(link(TypeProperty, u.PropertyID), optionalLink(TypeBuilding, u.BuildingID)...)
}

func (u *Unit) RemapLink(target EntityType, oldID, newID string) bool {
	switch target {
	case TypeProperty:
		return remap(&u.PropertyID, oldID, newID)
	case TypeBuilding:
		return remapOptional(u.BuildingID, oldID, newID)
	}
	return false
}

// Tenant is a person or company renting a unit.
type Tenant struct {
	Model
	FullName string `gorm:"column:full_name;size:255;not null" json:"full_name"`
	Email    string `gorm:"column:email;size:320" json:"email"`
	Phone    string `gorm:"column:phone;size:64" json:"phone"`
}

func (Tenant) TableName() string                          { return "tenants" }
func (*Tenant) EntityType() EntityType                    { return TypeTenant }
func (*Tenant) Links() []Link                             { return nil }
func (*Tenant) RemapLink(EntityType, string, string) bool { return false }

// Lease binds a tenant to a unit for a period.
type Lease struct {
	Model
	UnitID       string     `gorm:"column:unit_id;size:190;not null;index" json:"unit_id"`
	TenantID     string     `gorm:"column:tenant_id;size:190;not null;index" json:"tenant_id"`
	StartsAt     time.Time  `gorm:"column:starts_at" json:"starts_at"`
	EndsAt       *time.Time `gorm:"column:ends_at" json:"ends_at,omitempty"`
	RentCents    int64      `gorm:"column:rent_cents" json:"rent_cents"`
	DepositCents int64      `gorm:"column:deposit_cents" json:"deposit_cents"`
	Status       string     `gorm:"column:status;size:32" json:"status"`
}

func (Lease) TableName() string       { return "leases" }
func (*Lease) EntityType() EntityType { return TypeLease }

func (l *Lease) Links() []Link {
	return append(link(TypeUnit, l.UnitID), link(TypeTenant, l.TenantID)...)
}

func (l *Lease) RemapLink(target EntityType, oldID, newID string) bool {
	switch target {
	case TypeUnit:
		return remap(&l.UnitID, oldID, newID)
	case TypeTenant:
		return remap(&l.TenantID, oldID, newID)
	}
	return false
}

// WorkOrder tracks maintenance work.
type WorkOrder struct {
	Model
	PropertyID  string     `gorm:"column:property_id;size:190;not null;index" json:"property_id"`
	UnitID      *string    `gorm:"column:unit_id;size:190;index" json:"unit_id,omitempty"`
	Title       string     `gorm:"column:title;size:255;not null" json:"title"`
	Description string     `gorm:"column:description;type:text" json:"description"`
	Priority    string     `gorm:"column:priority;size:32" json:"priority"`
	Status      string     `gorm:"column:status;size:32" json:"status"`
	DueAt       *time.Time `gorm:"column:due_at" json:"due_at,omitempty"`
}

func (WorkOrder) TableName() string       { return "work_orders" }
func (*WorkOrder) EntityType() EntityType { return TypeWorkOrder }

func (w *WorkOrder) Links() []Link {
	return append(link(TypeProperty, w.PropertyID), optionalLink(TypeUnit, w.UnitID)...)
}

func (w *WorkOrder) RemapLink(target EntityType, oldID, newID string) bool {
	switch target {
	case TypeProperty:
		return remap(&w.PropertyID, oldID, newID)
	case TypeUnit:
		return remapOptional(w.UnitID, oldID, newID)
	}
	return false
}

// Payment records money received against a lease.
type Payment struct {
	Model
	LeaseID     string    `gorm:"column:lease_id;size:190;not null;index" json:"lease_id"`
	AmountCents int64     `gorm:"column:amount_cents;not null" json:"amount_cents"`
	PaidAt      time.Time `gorm:"column:paid_at" json:"paid_at"`
	Method      string    `gorm:"column:method;size:32" json:"method"`
	Reference   string    `gorm:"column:reference;size:190" json:"reference"`
}

func (Payment) TableName() string       { return "payments" }
func (*Payment) EntityType() EntityType { return TypePayment }

func (p *Payment) Links() []Link {
	return link(TypeLease, p.LeaseID)
}

func (p *Payment) RemapLink(target EntityType, oldID, newID string) bool {
	if target != TypeLease {
		return false
	}
	return remap(&p.LeaseID, oldID, newID)
}

// Ticket is a tenant or staff support request.
type Ticket struct {
	Model
	PropertyID string  `gorm:"column:property_id;size:190;not null;index" json:"property_id"`
	UnitID     *string `gorm:"column:unit_id;size:190;index" json:"unit_id,omitempty"`
	TenantID   *string `gorm:"column:tenant_id;size:190;index" json:"tenant_id,omitempty"`
	Subject    string  `gorm:"column:subject;size:255;not null" json:"subject"`
	Body       string  `gorm:"column:body;type:text" json:"body"`
	Status     string  `gorm:"column:status;size:32" json:"status"`
}

func (Ticket) TableName() string       { return "tickets" }
func (*Ticket) EntityType() EntityType { return TypeTicket }

func (t *Ticket) Links() []Link {
	links := link(TypeProperty, t.PropertyID)
	links = append(links, optionalLink(TypeUnit, t.UnitID)...)
	return append(links, optionalLink(TypeTenant, t.TenantID)...)
}

func (t *Ticket) RemapLink(target EntityType, oldID, newID string) bool {
	switch target {
	case TypeProperty:
		return remap(&t.PropertyID, oldID, newID)
	case TypeUnit:
		return remapOptional(t.UnitID, oldID, newID)
	case TypeTenant:
		return remapOptional(t.TenantID, oldID, newID)
	}
	return false
}

// Device is an installed smart device (lock, meter, sensor).
type Device struct {
	Model
	PropertyID   string     `gorm:"column:property_id;size:190;not null;index" json:"property_id"`
	UnitID       *string    `gorm:"column:unit_id;size:190;index" json:"unit_id,omitempty"`
	SerialNumber string     `gorm:"column:serial_number;size:190" json:"serial_number"`
	Kind         string     `gorm:"column:kind;size:64" json:"kind"`
	LastSeenAt   *time.Time `gorm:"column:last_seen_at" json:"last_seen_at,omitempty"`
}

func (Device) TableName() string       { return "devices" }
func (*Device) EntityType() EntityType { return TypeDevice }

func (d *Device) Links() []Link {
	return append(link(TypeProperty, d.PropertyID), optionalLink(TypeUnit, d.UnitID)...)
}

func (d *Device) RemapLink(target EntityType, oldID, newID string) bool {
	switch target {
	case TypeProperty:
		return remap(&d.PropertyID, oldID, newID)
	case TypeUnit:
		return remapOptional(d.UnitID, oldID, newID)
	}
	return false
}
