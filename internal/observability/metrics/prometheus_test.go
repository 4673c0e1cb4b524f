package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("issue", OutcomeSuccess, 0.01)
	m.ObserveStockMutation("deduction")
	m.ObserveUnauthorized()
	m.SetDispenseInbox("claimed", 1)
	m.SetConsumerLag("dispense.commands", 1)
}

func TestObserveOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOperation("issue", OutcomeSuccess, 0.01)
	m.ObserveOperation("issue", OutcomeInsufficient, 0.02)
	m.ObserveOperation("issue", OutcomeSuccess, 0.03)
	m.ObserveStockMutation("deduction")
	m.ObserveUnauthorized()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			key := f.GetName()
			for _, l := range metric.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			if c := metric.GetCounter(); c != nil {
				got[key] = c.GetValue()
			}
			if h := metric.GetHistogram(); h != nil {
				got[key] = float64(h.GetSampleCount())
			}
		}
	}

	want := map[string]float64{
		"clinic_ledger_operations_total,operation=issue,outcome=success":            2,
		"clinic_ledger_operations_total,operation=issue,outcome=insufficient_stock": 1,
		"clinic_ledger_operation_duration_seconds,operation=issue":                  3,
		"clinic_stock_mutations_total,change_type=deduction":                        1,
		"clinic_unauthorized_stock_updates_total":                                   1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Fatalf("second registration on the same registry should panic")
		}
	}()
	New(reg)
}
