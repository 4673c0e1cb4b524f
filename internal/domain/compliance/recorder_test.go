package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drfirst/clinic-ledger/internal/observability/metrics"
)

type memStore struct {
	events []*Event
	err    error
}

func (s *memStore) AppendCompliance(_ context.Context, e *Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) ListCompliance(_ context.Context, patientID string) ([]*Event, error) {
	var out []*Event
	for _, e := range s.events {
		if e.PatientID == patientID {
			out = append(out, e)
		}
	}
	return out, nil
}

func fixedRecorder(store Store, m *metrics.Metrics, now time.Time) *Recorder {
	r := NewRecorder(store, nil, m)
	r.now = func() time.Time { return now }
	return r
}

func TestRecordAppendsEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := &memStore{}
	r := fixedRecorder(store, m, now)

	taken := now.Add(-2 * time.Hour).In(time.FixedZone("UTC+2", 2*60*60))
	got, err := r.Record(context.Background(), &Event{
		PatientID:          "p1",
		PrescriptionItemID: "item-1",
		TakenAt:            taken,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got.ID == "" || !got.RecordedAt.Equal(now) || got.TakenAt.Location() != time.UTC {
		t.Fatalf("unexpected event: %+v", got)
	}
	if !got.TakenAt.Equal(taken) {
		t.Fatalf("taken_at = %v, want %v", got.TakenAt, taken)
	}
	if v := counterValue(t, reg, "clinic_compliance_events_total"); v != 1 {
		t.Fatalf("compliance counter = %v", v)
	}

	events, err := r.List(context.Background(), "p1")
	if err != nil || len(events) != 1 {
		t.Fatalf("list: %v, %d events", err, len(events))
	}
}

func TestRecordRejectsInvalidEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	r := fixedRecorder(store, nil, now)

	cases := map[string]*Event{
		"nil":           nil,
		"no patient":    {PrescriptionItemID: "i", TakenAt: now},
		"no item":       {PatientID: "p", TakenAt: now},
		"no taken_at":   {PatientID: "p", PrescriptionItemID: "i"},
		"future":        {PatientID: "p", PrescriptionItemID: "i", TakenAt: now.Add(time.Hour)},
		"blank patient": {PatientID: "  ", PrescriptionItemID: "i", TakenAt: now},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := r.Record(context.Background(), e); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("got %v, want ErrInvalidEvent", err)
			}
		})
	}
	if len(store.events) != 0 {
		t.Fatalf("invalid events were stored")
	}

	if _, err := r.List(context.Background(), ""); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("list without patient: %v", err)
	}
}

func TestRecordToleratesClockSkew(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := fixedRecorder(&memStore{}, nil, now)

	if _, err := r.Record(context.Background(), &Event{
		PatientID:          "p",
		PrescriptionItemID: "i",
		TakenAt:            now.Add(30 * time.Second),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestRecordWrapsStoreFailure(t *testing.T) {
	boom := errors.New("disk full")
	r := fixedRecorder(&memStore{err: boom}, nil, time.Now())

	_, err := r.Record(context.Background(), &Event{PatientID: "p", PrescriptionItemID: "i", TakenAt: time.Now()})
	if !errors.Is(err, boom) || errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("got %v", err)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
