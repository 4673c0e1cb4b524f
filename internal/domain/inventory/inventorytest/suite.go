// Package inventorytest holds the behavioural suite every ledger store must
// pass. Store packages run it from their own tests.
package inventorytest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/clinic-ledger/internal/domain/compliance"
	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
)

// Backend is a store under test
type Backend interface {
	inventory.Store
	inventory.Catalog
	compliance.Store
}

// Opener returns a ready backend for one subtest
type Opener func(t *testing.T) Backend

const staff = "staff-dr-okafor"

// Run executes the suite against backends produced by open
func Run(t *testing.T, open Opener) {
	t.Run("IssueScenario", func(t *testing.T) { testIssueScenario(t, open(t)) })
	t.Run("MedicationNotFound", func(t *testing.T) { testMedicationNotFound(t, open(t)) })
	t.Run("ConcurrentPairOversell", func(t *testing.T) { testConcurrentPair(t, open(t)) })
	t.Run("ConcurrentContention", func(t *testing.T) { testConcurrentContention(t, open(t)) })
	t.Run("ConcurrentMixedQuantities", func(t *testing.T) { testConcurrentMixed(t, open(t)) })
	t.Run("RestockAndAdjust", func(t *testing.T) { testRestockAndAdjust(t, open(t)) })
	t.Run("UnattributedMutation", func(t *testing.T) { testUnattributed(t, open(t)) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelled(t, open(t)) })
	t.Run("IssueReplaysSameItem", func(t *testing.T) { testIssueReplay(t, open(t)) })
	t.Run("IssueConflictingReuse", func(t *testing.T) { testIssueConflict(t, open(t)) })
	t.Run("ActorClearedAfterTx", func(t *testing.T) { testActorCleared(t, open(t)) })
	t.Run("DiagnosisCascade", func(t *testing.T) { testCascade(t, open(t)) })
	t.Run("ComplianceLog", func(t *testing.T) { testCompliance(t, open(t)) })
}

// Seed creates a medication with the given stock and a diagnosis
func Seed(t *testing.T, b Backend, stock int) (*inventory.Medication, *inventory.Diagnosis) {
	t.Helper()
	ctx := context.Background()

	med := &inventory.Medication{
		ID:            "med-" + uuid.New().String(),
		Name:          "Amoxicillin 500mg",
		Description:   "capsule",
		StockQuantity: stock,
		UnitPrice:     decimal.RequireFromString("1.25"),
	}
	if err := b.CreateMedication(ctx, med); err != nil {
		t.Fatalf("create medication: %v", err)
	}

	diag := &inventory.Diagnosis{
		ID:        "dx-" + uuid.New().String(),
		PatientID: "patient-" + uuid.New().String(),
		StaffID:   staff,
		Summary:   "acute otitis media",
	}
	if err := b.CreateDiagnosis(ctx, diag); err != nil {
		t.Fatalf("create diagnosis: %v", err)
	}
	return med, diag
}

func stockOf(t *testing.T, b Backend, id string) int {
	t.Helper()
	m, err := b.GetMedication(context.Background(), id)
	if err != nil {
		t.Fatalf("get medication: %v", err)
	}
	if m.StockQuantity < 0 {
		t.Fatalf("negative stock committed: %d", m.StockQuantity)
	}
	return m.StockQuantity
}

func counts(t *testing.T, b Backend, medID, diagID string) (items, audits int) {
	t.Helper()
	ctx := context.Background()
	is, err := b.ListPrescriptionItems(ctx, diagID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	as, err := b.ListAudits(ctx, medID)
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	return len(is), len(as)
}

func issue(svc *inventory.Service, medID, diagID string, qty int) (*inventory.PrescriptionItem, error) {
	return svc.Issue(context.Background(), inventory.IssueRequest{
		DiagnosisID:  diagID,
		MedicationID: medID,
		Quantity:     qty,
		StaffID:      staff,
		Guide:        "1 capsule every 8 hours",
		Duration:     "7 days",
	})
}

func testIssueScenario(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	med, diag := Seed(t, b, 10)

	item, err := issue(svc, med.ID, diag.ID, 4)
	if err != nil {
		t.Fatalf("issue 4: %v", err)
	}
	if item.Quantity != 4 || item.MedicationID != med.ID || item.DiagnosisID != diag.ID {
		t.Fatalf("unexpected item: %+v", item)
	}
	if got := stockOf(t, b, med.ID); got != 6 {
		t.Fatalf("stock after issue = %d, want 6", got)
	}
	items, audits := counts(t, b, med.ID, diag.ID)
	if items != 1 || audits != 1 {
		t.Fatalf("items=%d audits=%d, want 1/1", items, audits)
	}

	trail, _ := b.ListAudits(context.Background(), med.ID)
	a := trail[0]
	if a.OldQuantity != 10 || a.NewQuantity != 6 || a.ChangeType != inventory.ChangeDeduction || a.StaffID != staff {
		t.Fatalf("unexpected audit row: %+v", a)
	}

	if _, err := issue(svc, med.ID, diag.ID, 7); !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("issue 7: got %v, want ErrInsufficientStock", err)
	}
	for _, q := range []int{0, -1} {
		if _, err := issue(svc, med.ID, diag.ID, q); !errors.Is(err, inventory.ErrInvalidQuantity) {
			t.Fatalf("issue %d: got %v, want ErrInvalidQuantity", q, err)
		}
	}

	if got := stockOf(t, b, med.ID); got != 6 {
		t.Fatalf("stock after failed attempts = %d, want 6", got)
	}
	items, audits = counts(t, b, med.ID, diag.ID)
	if items != 1 || audits != 1 {
		t.Fatalf("failed attempts wrote rows: items=%d audits=%d", items, audits)
	}
}

func testMedicationNotFound(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	_, diag := Seed(t, b, 5)

	_, err := issue(svc, "med-missing", diag.ID, 1)
	if !errors.Is(err, inventory.ErrMedicationNotFound) {
		t.Fatalf("got %v, want ErrMedicationNotFound", err)
	}
	// Existence is checked before the quantity.
	_, err = issue(svc, "med-missing", diag.ID, 0)
	if !errors.Is(err, inventory.ErrMedicationNotFound) {
		t.Fatalf("got %v, want ErrMedicationNotFound before quantity check", err)
	}
}

func testConcurrentPair(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	med, diag := Seed(t, b, 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = issue(svc, med.ID, diag.ID, 6)
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, inventory.ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("successes=%d insufficient=%d, want 1/1", ok, insufficient)
	}
	if got := stockOf(t, b, med.ID); got != 4 {
		t.Fatalf("stock = %d, want 4", got)
	}
}

func testConcurrentContention(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	const (
		stock    = 20
		quantity = 3
		workers  = 12
	)
	med, diag := Seed(t, b, stock)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := issue(svc, med.ID, diag.ID, quantity)
			if err != nil && !errors.Is(err, inventory.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if want := stock / quantity; successes != want {
		t.Fatalf("successes = %d, want %d", successes, want)
	}
	if got := stockOf(t, b, med.ID); got != stock-successes*quantity {
		t.Fatalf("stock = %d, want %d", got, stock-successes*quantity)
	}

	items, audits := counts(t, b, med.ID, diag.ID)
	if items != successes || audits != successes {
		t.Fatalf("items=%d audits=%d, want %d each", items, audits, successes)
	}

	// Audit rows chain: each old value is the previous new value.
	trail, _ := b.ListAudits(context.Background(), med.ID)
	prev := stock
	for _, a := range trail {
		if a.OldQuantity != prev || a.NewQuantity != prev-quantity {
			t.Fatalf("audit chain broken at %+v (previous new=%d)", a, prev)
		}
		prev = a.NewQuantity
	}
}

func testConcurrentMixed(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	const stock = 10
	quantities := []int{6, 5, 4}
	med, diag := Seed(t, b, stock)

	var wg sync.WaitGroup
	errs := make([]error, len(quantities))
	start := make(chan struct{})
	for i, q := range quantities {
		wg.Add(1)
		go func(i, q int) {
			defer wg.Done()
			<-start
			_, errs[i] = issue(svc, med.ID, diag.ID, q)
		}(i, q)
	}
	close(start)
	wg.Wait()

	var issued, successes int
	for i, err := range errs {
		switch {
		case err == nil:
			issued += quantities[i]
			successes++
		case errors.Is(err, inventory.ErrInsufficientStock):
		default:
			t.Fatalf("quantity %d: unexpected error: %v", quantities[i], err)
		}
	}
	if successes == 0 || issued > stock {
		t.Fatalf("issued %d across %d successes against stock %d", issued, successes, stock)
	}
	if got := stockOf(t, b, med.ID); got != stock-issued {
		t.Fatalf("stock = %d, want %d", got, stock-issued)
	}
	items, audits := counts(t, b, med.ID, diag.ID)
	if items != successes || audits != successes {
		t.Fatalf("items=%d audits=%d, want %d each", items, audits, successes)
	}
}

func testRestockAndAdjust(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	med, diag := Seed(t, b, 2)
	ctx := context.Background()

	m, err := svc.Restock(ctx, inventory.RestockRequest{MedicationID: med.ID, Quantity: 8, StaffID: staff})
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if m.StockQuantity != 10 {
		t.Fatalf("restocked quantity = %d, want 10", m.StockQuantity)
	}

	if _, err := svc.Restock(ctx, inventory.RestockRequest{MedicationID: med.ID, Quantity: 0, StaffID: staff}); !errors.Is(err, inventory.ErrInvalidQuantity) {
		t.Fatalf("restock 0: got %v, want ErrInvalidQuantity", err)
	}
	if _, err := svc.Restock(ctx, inventory.RestockRequest{MedicationID: med.ID, Quantity: inventory.MaxStockQuantity, StaffID: staff}); !errors.Is(err, inventory.ErrInvalidQuantity) {
		t.Fatalf("overflowing restock: got %v, want ErrInvalidQuantity", err)
	}

	// Same value: accepted, no audit noise.
	if _, err := svc.Adjust(ctx, inventory.AdjustRequest{MedicationID: med.ID, StockQuantity: 10, StaffID: staff}); err != nil {
		t.Fatalf("idempotent adjust: %v", err)
	}
	if _, err := svc.Adjust(ctx, inventory.AdjustRequest{MedicationID: med.ID, StockQuantity: 7, StaffID: staff}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if _, err := svc.Adjust(ctx, inventory.AdjustRequest{MedicationID: med.ID, StockQuantity: -1, StaffID: staff}); !errors.Is(err, inventory.ErrNegativeStock) {
		t.Fatalf("negative adjust: got %v, want ErrNegativeStock", err)
	}

	trail, err := b.ListAudits(ctx, med.ID)
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(trail))
	}
	if trail[0].ChangeType != inventory.ChangeAddition || trail[0].OldQuantity != 2 || trail[0].NewQuantity != 10 {
		t.Fatalf("unexpected restock audit: %+v", trail[0])
	}
	if trail[1].ChangeType != inventory.ChangeDeduction || trail[1].OldQuantity != 10 || trail[1].NewQuantity != 7 {
		t.Fatalf("unexpected adjust audit: %+v", trail[1])
	}
	if items, _ := counts(t, b, med.ID, diag.ID); items != 0 {
		t.Fatalf("restock wrote prescription items: %d", items)
	}
}

func testUnattributed(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	med, diag := Seed(t, b, 10)
	ctx := context.Background()

	if _, err := svc.Restock(ctx, inventory.RestockRequest{MedicationID: med.ID, Quantity: 5}); !errors.Is(err, inventory.ErrUnauthorizedStockUpdate) {
		t.Fatalf("restock without staff: got %v, want ErrUnauthorizedStockUpdate", err)
	}
	_, err := svc.Issue(ctx, inventory.IssueRequest{DiagnosisID: diag.ID, MedicationID: med.ID, Quantity: 2})
	if !errors.Is(err, inventory.ErrUnauthorizedStockUpdate) {
		t.Fatalf("issue without staff: got %v, want ErrUnauthorizedStockUpdate", err)
	}

	if got := stockOf(t, b, med.ID); got != 10 {
		t.Fatalf("stock = %d, want 10", got)
	}
	items, audits := counts(t, b, med.ID, diag.ID)
	if items != 0 || audits != 0 {
		t.Fatalf("unattributed attempts wrote rows: items=%d audits=%d", items, audits)
	}

	// Actor on the request context is honoured.
	actx := inventory.WithActor(ctx, staff)
	if _, err := svc.Issue(actx, inventory.IssueRequest{DiagnosisID: diag.ID, MedicationID: med.ID, Quantity: 2}); err != nil {
		t.Fatalf("issue with context actor: %v", err)
	}
}

func testCancelled(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	med, diag := Seed(t, b, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Issue(ctx, inventory.IssueRequest{
		DiagnosisID: diag.ID, MedicationID: med.ID, Quantity: 3, StaffID: staff,
	})
	if !errors.Is(err, inventory.ErrIssuanceFailed) {
		t.Fatalf("got %v, want ErrIssuanceFailed", err)
	}
	if !inventory.IsRetryable(err) {
		t.Fatalf("cancelled issuance should be retryable")
	}
	if got := stockOf(t, b, med.ID); got != 10 {
		t.Fatalf("stock = %d, want 10", got)
	}
}

func testIssueReplay(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	med, diag := Seed(t, b, 10)
	ctx := context.Background()

	req := inventory.IssueRequest{
		PrescriptionItemID: "rx-" + uuid.New().String(),
		DiagnosisID:        diag.ID,
		MedicationID:       med.ID,
		Quantity:           2,
		StaffID:            staff,
	}
	first, err := svc.Issue(ctx, req)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	again, err := svc.Issue(ctx, req)
	if err != nil {
		t.Fatalf("retried issue: %v", err)
	}
	if again.ID != first.ID || again.Quantity != first.Quantity || again.DiagnosisID != diag.ID {
		t.Fatalf("retry returned %+v, want %+v", again, first)
	}

	// Concurrent retries of the same id still decrement once.
	var wg sync.WaitGroup
	errs := make([]error, 4)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.Issue(ctx, req)
		}(i)
	}
	close(start)
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("concurrent retry: %v", err)
		}
	}

	if got := stockOf(t, b, med.ID); got != 8 {
		t.Fatalf("stock = %d, want 8", got)
	}
	items, audits := counts(t, b, med.ID, diag.ID)
	if items != 1 || audits != 1 {
		t.Fatalf("items=%d audits=%d, want 1/1", items, audits)
	}
}

func testIssueConflict(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	med, diag := Seed(t, b, 10)
	other, otherDiag := Seed(t, b, 10)
	ctx := context.Background()

	req := inventory.IssueRequest{
		PrescriptionItemID: "rx-" + uuid.New().String(),
		DiagnosisID:        diag.ID,
		MedicationID:       med.ID,
		Quantity:           2,
		StaffID:            staff,
	}
	if _, err := svc.Issue(ctx, req); err != nil {
		t.Fatalf("first issue: %v", err)
	}

	quantity := req
	quantity.Quantity = 3
	diagnosis := req
	diagnosis.DiagnosisID = otherDiag.ID
	medication := req
	medication.MedicationID = other.ID
	for name, r := range map[string]inventory.IssueRequest{
		"quantity":   quantity,
		"diagnosis":  diagnosis,
		"medication": medication,
	} {
		_, err := svc.Issue(ctx, r)
		if !errors.Is(err, inventory.ErrPrescriptionConflict) {
			t.Fatalf("different %s: got %v, want ErrPrescriptionConflict", name, err)
		}
		if inventory.IsRetryable(err) {
			t.Fatalf("different %s: conflict reported as retryable", name)
		}
	}

	if got := stockOf(t, b, med.ID); got != 8 {
		t.Fatalf("stock = %d, want 8", got)
	}
	if got := stockOf(t, b, other.ID); got != 10 {
		t.Fatalf("other stock = %d, want 10", got)
	}
	if _, audits := counts(t, b, med.ID, diag.ID); audits != 1 {
		t.Fatalf("audits = %d, want 1", audits)
	}
	if _, audits := counts(t, b, other.ID, otherDiag.ID); audits != 0 {
		t.Fatalf("other audits = %d, want 0", audits)
	}
}

func testActorCleared(t *testing.T, b Backend) {
	ctx := context.Background()

	tx, err := b.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.SetActor(ctx, staff); err != nil {
		t.Fatalf("set actor: %v", err)
	}
	if tx.Actor() != staff {
		t.Fatalf("actor = %q, want %q", tx.Actor(), staff)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if tx.Actor() != "" {
		t.Fatalf("actor survived commit: %q", tx.Actor())
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}

	tx, err = b.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if tx.Actor() != "" {
		t.Fatalf("actor leaked into new transaction: %q", tx.Actor())
	}
	if err := tx.SetActor(ctx, staff); err != nil {
		t.Fatalf("set actor: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if tx.Actor() != "" {
		t.Fatalf("actor survived rollback: %q", tx.Actor())
	}
}

func testCascade(t *testing.T, b Backend) {
	svc := inventory.NewService(b, nil, nil, nil)
	med, diag := Seed(t, b, 10)
	ctx := context.Background()

	if _, err := issue(svc, med.ID, diag.ID, 1); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := b.DeleteDiagnosis(ctx, diag.ID); err != nil {
		t.Fatalf("delete diagnosis: %v", err)
	}
	items, audits := counts(t, b, med.ID, diag.ID)
	if items != 0 {
		t.Fatalf("items = %d after diagnosis delete, want 0", items)
	}
	if audits != 1 {
		t.Fatalf("audit rows must survive: %d", audits)
	}
}

func testCompliance(t *testing.T, b Backend) {
	rec := compliance.NewRecorder(b, nil, nil)
	ctx := context.Background()
	patient := "patient-" + uuid.New().String()
	taken := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Second)

	for i := 0; i < 2; i++ {
		if _, err := rec.Record(ctx, &compliance.Event{
			PatientID:          patient,
			PrescriptionItemID: "rx-1",
			TakenAt:            taken.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	events, err := rec.List(ctx, patient)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if !events[0].TakenAt.Equal(taken) {
		t.Fatalf("first taken_at = %v, want %v", events[0].TakenAt, taken)
	}
}
