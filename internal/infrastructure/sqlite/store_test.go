package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
	"github.com/drfirst/clinic-ledger/internal/domain/inventory/inventorytest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLedgerSuite(t *testing.T) {
	inventorytest.Run(t, func(t *testing.T) inventorytest.Backend {
		return openTestStore(t)
	})
}

func TestGetMedicationNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetMedication(context.Background(), "missing")
	if !errors.Is(err, inventory.ErrMedicationNotFound) {
		t.Fatalf("got %v, want ErrMedicationNotFound", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	if err := Migrate(context.Background(), s.db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestIssueWritesOutboxEvents(t *testing.T) {
	s := openTestStore(t)
	med, diag := inventorytest.Seed(t, s, 10)
	svc := inventory.NewService(s, nil, nil, nil)

	_, err := svc.Issue(context.Background(), inventory.IssueRequest{
		DiagnosisID:  diag.ID,
		MedicationID: med.ID,
		Quantity:     3,
		StaffID:      "staff-1",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	events, err := s.PendingEvents(context.Background())
	if err != nil {
		t.Fatalf("pending events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].EventType != inventory.EventStockChanged || events[0].Topic != inventory.TopicInventoryAudit {
		t.Fatalf("first event = %s on %s", events[0].EventType, events[0].Topic)
	}
	if events[1].EventType != inventory.EventPrescriptionIssued || events[1].Topic != inventory.TopicPrescriptionIssued {
		t.Fatalf("second event = %s on %s", events[1].EventType, events[1].Topic)
	}
	for _, e := range events {
		if e.Key != med.ID {
			t.Fatalf("event key = %q, want medication id %q", e.Key, med.ID)
		}
	}
}

func TestRejectedIssueLeavesNoEvents(t *testing.T) {
	s := openTestStore(t)
	med, diag := inventorytest.Seed(t, s, 1)
	svc := inventory.NewService(s, nil, nil, nil)

	_, err := svc.Issue(context.Background(), inventory.IssueRequest{
		DiagnosisID:  diag.ID,
		MedicationID: med.ID,
		Quantity:     2,
		StaffID:      "staff-1",
	})
	if !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("got %v, want ErrInsufficientStock", err)
	}

	events, err := s.PendingEvents(context.Background())
	if err != nil {
		t.Fatalf("pending events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
}
