package dispense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
	"github.com/drfirst/clinic-ledger/internal/domain/inventory/inventorytest"
	"github.com/drfirst/clinic-ledger/internal/infrastructure/redpanda"
	"github.com/drfirst/clinic-ledger/internal/infrastructure/sqlite"
	"github.com/drfirst/clinic-ledger/pkg/workerpool"
)

type fakeIssuer struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeIssuer) Issue(_ context.Context, req inventory.IssueRequest) (*inventory.PrescriptionItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &inventory.PrescriptionItem{ID: req.PrescriptionItemID, MedicationID: req.MedicationID, Quantity: req.Quantity}, nil
}

// memInbox keeps finished results and terminal failures in memory
type memInbox struct {
	finished map[string]json.RawMessage
	failed   map[string]bool
}

func newMemInbox() *memInbox {
	return &memInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (m *memInbox) Run(ctx context.Context, cmd Command, _ json.RawMessage, dispense DispenseFunc) (*Delivery, error) {
	key := cmd.PrescriptionItemID
	if r, ok := m.finished[key]; ok {
		return &Delivery{Outcome: r}, nil
	}
	if m.failed[key] {
		return nil, ErrCommandInvalid
	}
	r, err := dispense(ctx)
	if err != nil {
		if IsTerminal(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.finished[key] = r
	return &Delivery{Outcome: r, Fresh: true}, nil
}

type published struct {
	topic, key string
	value      []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic, key, value})
	return nil
}

func newHandler(t *testing.T, issuer Issuer, inbox Inbox, pub redpanda.Publisher) *Handler {
	t.Helper()
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond

	h, err := NewHandler(issuer, inbox, pub, cfg, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	h.Start()
	t.Cleanup(func() { h.Stop() })
	return h
}

func commandMessage(t *testing.T, cmd Command) *redpanda.ConsumedMessage {
	t.Helper()
	b, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &redpanda.ConsumedMessage{Topic: inventory.TopicDispenseCommands, Key: []byte(cmd.PrescriptionItemID), Value: b}
}

func validCommand(id string) Command {
	return Command{
		PrescriptionItemID: id,
		DiagnosisID:        "dx-1",
		MedicationID:       "med-1",
		Quantity:           2,
		StaffID:            "staff-1",
	}
}

func outcomeOf(t *testing.T, p published) Outcome {
	t.Helper()
	var out Outcome
	if err := json.Unmarshal(p.value, &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	return out
}

func TestHandleIssuesOnce(t *testing.T) {
	issuer := &fakeIssuer{}
	pub := &recordingPublisher{}
	h := newHandler(t, issuer, newMemInbox(), pub)

	msg := commandMessage(t, validCommand("item-1"))
	for i := 0; i < 3; i++ {
		if err := h.Handle(context.Background(), msg); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if issuer.calls != 1 {
		t.Fatalf("issued %d times, want 1", issuer.calls)
	}
	if len(pub.sent) != 1 {
		t.Fatalf("published %d outcomes, want 1", len(pub.sent))
	}
	p := pub.sent[0]
	if p.topic != inventory.TopicDispenseResults || p.key != "item-1" {
		t.Fatalf("unexpected record: %s/%s", p.topic, p.key)
	}
	if out := outcomeOf(t, p); out.Status != StatusIssued {
		t.Fatalf("status = %s", out.Status)
	}
}

func TestHandlePublishesRejection(t *testing.T) {
	issuer := &fakeIssuer{errs: []error{inventory.ErrInsufficientStock}}
	pub := &recordingPublisher{}
	h := newHandler(t, issuer, newMemInbox(), pub)

	if err := h.Handle(context.Background(), commandMessage(t, validCommand("item-2"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if issuer.calls != 1 {
		t.Fatalf("business rejection retried: %d calls", issuer.calls)
	}
	out := outcomeOf(t, pub.sent[0])
	if out.Status != StatusRejected || out.Reason != inventory.ErrInsufficientStock.Error() {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestHandleRetriesTransientFailures(t *testing.T) {
	issuer := &fakeIssuer{errs: []error{inventory.ErrIssuanceFailed, inventory.ErrIssuanceFailed}}
	pub := &recordingPublisher{}
	h := newHandler(t, issuer, newMemInbox(), pub)

	if err := h.Handle(context.Background(), commandMessage(t, validCommand("item-3"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if issuer.calls != 3 {
		t.Fatalf("issue calls = %d, want 3", issuer.calls)
	}
	if out := outcomeOf(t, pub.sent[0]); out.Status != StatusIssued {
		t.Fatalf("status = %s", out.Status)
	}
}

func TestHandleGivesUpAfterRetries(t *testing.T) {
	issuer := &fakeIssuer{errs: []error{inventory.ErrIssuanceFailed, inventory.ErrIssuanceFailed, inventory.ErrIssuanceFailed}}
	pub := &recordingPublisher{}
	inbox := newMemInbox()
	h := newHandler(t, issuer, inbox, pub)

	msg := commandMessage(t, validCommand("item-4"))
	if err := h.Handle(context.Background(), msg); !errors.Is(err, inventory.ErrIssuanceFailed) {
		t.Fatalf("got %v, want ErrIssuanceFailed", err)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("published an outcome for a failed command")
	}
	if inbox.failed["item-4"] {
		t.Fatalf("transient failure recorded as terminal")
	}

	// A later redelivery succeeds.
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(pub.sent) != 1 {
		t.Fatalf("published %d outcomes, want 1", len(pub.sent))
	}
}

func TestHandleInvalidCommands(t *testing.T) {
	issuer := &fakeIssuer{}
	inbox := newMemInbox()
	h := newHandler(t, issuer, inbox, &recordingPublisher{})

	bad := &redpanda.ConsumedMessage{Value: []byte("{not json")}
	if err := h.Handle(context.Background(), bad); err == nil {
		t.Fatalf("malformed command accepted")
	}

	if err := h.Handle(context.Background(), commandMessage(t, Command{MedicationID: "m"})); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("unkeyed command: %v", err)
	}

	noDiagnosis := validCommand("item-5")
	noDiagnosis.DiagnosisID = ""
	msg := commandMessage(t, noDiagnosis)
	if err := h.Handle(context.Background(), msg); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("got %v, want ErrInvalidCommand", err)
	}
	if !inbox.failed["item-5"] {
		t.Fatalf("invalid command not recorded as terminal")
	}
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("redelivered invalid command: %v", err)
	}
	if issuer.calls != 0 {
		t.Fatalf("invalid commands reached the ledger")
	}
}

func TestHandlePublishFailure(t *testing.T) {
	boom := errors.New("broker down")
	h := newHandler(t, &fakeIssuer{}, newMemInbox(), &recordingPublisher{err: boom})

	if err := h.Handle(context.Background(), commandMessage(t, validCommand("item-6"))); !errors.Is(err, boom) {
		t.Fatalf("got %v, want publish error", err)
	}
}

func TestHandleRedeliveryAfterLostInboxIssuesOnce(t *testing.T) {
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	med, diag := inventorytest.Seed(t, store, 10)

	svc := inventory.NewService(store, nil, nil, nil)
	pub := &recordingPublisher{}
	cmd := Command{
		PrescriptionItemID: "item-replay",
		DiagnosisID:        diag.ID,
		MedicationID:       med.ID,
		Quantity:           3,
		StaffID:            "staff-1",
	}

	// A fresh inbox per delivery loses the first result, as after a crash
	// between the ledger commit and the inbox update.
	for i := 0; i < 2; i++ {
		h := newHandler(t, svc, newMemInbox(), pub)
		if err := h.Handle(context.Background(), commandMessage(t, cmd)); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	got, err := store.GetMedication(context.Background(), med.ID)
	if err != nil {
		t.Fatalf("get medication: %v", err)
	}
	if got.StockQuantity != 7 {
		t.Fatalf("stock = %d, want 7", got.StockQuantity)
	}
	if len(pub.sent) != 2 {
		t.Fatalf("published %d outcomes, want 2", len(pub.sent))
	}
	for _, p := range pub.sent {
		if out := outcomeOf(t, p); out.Status != StatusIssued {
			t.Fatalf("redelivery outcome: %+v", out)
		}
	}

	cmd.Quantity = 4
	h := newHandler(t, svc, newMemInbox(), pub)
	if err := h.Handle(context.Background(), commandMessage(t, cmd)); err != nil {
		t.Fatalf("conflicting delivery: %v", err)
	}
	out := outcomeOf(t, pub.sent[2])
	if out.Status != StatusRejected || out.Reason != inventory.ErrPrescriptionConflict.Error() {
		t.Fatalf("conflicting reuse outcome: %+v", out)
	}
}

func TestIsTerminalIgnoresErrorText(t *testing.T) {
	if !IsTerminal(fmt.Errorf("%w: quantity", ErrInvalidCommand)) {
		t.Fatalf("wrapped ErrInvalidCommand not terminal")
	}
	for _, err := range []error{
		errors.New("invalid connection state"),
		errors.New("medication not found"),
		inventory.ErrIssuanceFailed,
	} {
		if IsTerminal(err) {
			t.Fatalf("%v reported terminal", err)
		}
	}
}
