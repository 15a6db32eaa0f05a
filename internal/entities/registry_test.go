package entities

import (
	"errors"
	"strings"
	"testing"
)

func TestParseEntityType(t *testing.T) {
	parsed, err := ParseEntityType(" Work_Order ")
	if err != nil || parsed != TypeWorkOrder {
		t.Fatalf("expected work_order, got %q (%v)", parsed, err)
	}
	if _, err := ParseEntityType("spaceship"); !errors.Is(err, ErrUnknownEntityType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestValidateID(t *testing.T) {
	if id, err := ValidateID("  u-1 "); err != nil || id != "u-1" {
		t.Fatalf("expected trimmed id, got %q (%v)", id, err)
	}
	if _, err := ValidateID("   "); !errors.Is(err, ErrInvalidEntityID) {
		t.Fatalf("expected empty id to be rejected, got %v", err)
	}
	if _, err := ValidateID(strings.Repeat("x", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidEntityID) {
		t.Fatalf("expected long id to be rejected, got %v", err)
	}
}

func TestRegistryCoversEveryType(t *testing.T) {
	descriptors := Descriptors()
	if len(descriptors) != len(order) {
		t.Fatalf("expected %d descriptors, got %d", len(order), len(descriptors))
	}
	for _, descriptor := range descriptors {
		record := descriptor.New()
		if record.EntityType() != descriptor.Type {
			t.Fatalf("descriptor %s builds records of type %s", descriptor.Type, record.EntityType())
		}
		for _, reference := range descriptor.References {
			if _, err := Lookup(reference.Target); err != nil {
				t.Fatalf("%s.%s points at unregistered type %s", descriptor.Type, reference.Column, reference.Target)
			}
		}
	}
	if len(Models()) != len(order) {
		t.Fatalf("expected one model per table")
	}
}

func TestDecodeReturnsTypedRecord(t *testing.T) {
	record, err := Decode(TypeUnit, []byte(`{"id":"u-1","property_id":"p-1","building_id":"b-1","label":"1A","version":3}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	unit, ok := record.(*Unit)
	if !ok {
		t.Fatalf("expected *Unit, got %T", record)
	}
	if unit.RecordID() != "u-1" || unit.SyncState().Version != 3 || unit.Label != "1A" {
		t.Fatalf("unexpected unit %+v", unit)
	}

	if _, err := Decode(TypeUnit, []byte(" ")); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected empty payload error, got %v", err)
	}
	if _, err := Decode(TypeUnit, []byte(`{"label":`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
	if _, err := Decode(EntityType("spaceship"), []byte(`{}`)); !errors.Is(err, ErrUnknownEntityType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestLinksAndRemapLink(t *testing.T) {
	tenantID := "tmp-tenant"
	ticket := &Ticket{PropertyID: "tmp-prop", TenantID: &tenantID, Subject: "Leak"}

	links := ticket.Links()
	if len(links) != 2 {
		t.Fatalf("expected property and tenant links, got %+v", links)
	}
	if links[0] != (Link{Target: TypeProperty, ID: "tmp-prop"}) || links[1] != (Link{Target: TypeTenant, ID: "tmp-tenant"}) {
		t.Fatalf("unexpected links %+v", links)
	}

	if !ticket.RemapLink(TypeTenant, "tmp-tenant", "srv-7") {
		t.Fatalf("expected tenant link to be remapped")
	}
	if *ticket.TenantID != "srv-7" {
		t.Fatalf("expected tenant id srv-7, got %s", *ticket.TenantID)
	}
	if ticket.RemapLink(TypeUnit, "tmp-tenant", "srv-8") {
		t.Fatalf("did not expect unset unit link to change")
	}
	if ticket.RemapLink(TypeProperty, "other", "srv-9") || ticket.PropertyID != "tmp-prop" {
		t.Fatalf("did not expect unrelated id to be remapped")
	}
}

func TestUUIDProviderIssuesDistinctIDs(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	if first == second || len(first) != 36 {
		t.Fatalf("expected distinct uuids, got %q and %q", first, second)
	}
}
