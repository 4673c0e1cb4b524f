package dispense

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
	"github.com/drfirst/clinic-ledger/internal/observability/metrics"
)

type fixedCounts map[CommandState]int64

func (f fixedCounts) Counts(context.Context) (map[CommandState]int64, error) {
	return f, nil
}

type fixedLag struct {
	group string
	lag   map[string]int64
	err   error
}

func (f *fixedLag) GroupLag(_ context.Context, group string) (map[string]int64, error) {
	f.group = group
	return f.lag, f.err
}

func gauges(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			g := metric.GetGauge()
			if g == nil {
				continue
			}
			key := f.GetName()
			for _, l := range metric.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			got[key] = g.GetValue()
		}
	}
	return got
}

func TestMonitorReportsBacklog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	lag := &fixedLag{lag: map[string]int64{inventory.TopicDispenseCommands: 42}}
	counts := fixedCounts{StateClaimed: 2, StateSettled: 10, StateRetryable: 1, StateInvalid: 0}

	NewMonitor(counts, lag, "dispense-worker", m, 0, nil).Report(context.Background())

	if lag.group != "dispense-worker" {
		t.Fatalf("lag read for group %q", lag.group)
	}
	got := gauges(t, reg)
	want := map[string]float64{
		"dispense_inbox_commands,state=claimed":   2,
		"dispense_inbox_commands,state=settled":   10,
		"dispense_inbox_commands,state=retryable": 1,
		"dispense_inbox_commands,state=invalid":   0,
	}
	for k, v := range want {
		if g, ok := got[k]; !ok || g != v {
			t.Errorf("%s = %v (present %v), want %v", k, g, ok, v)
		}
	}
	if g := got["kafka_consumer_group_lag,topic="+inventory.TopicDispenseCommands]; g != 42 {
		t.Errorf("consumer lag = %v, want 42", g)
	}
}

func TestMonitorKeepsInboxGaugesWhenLagFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	lag := &fixedLag{err: errors.New("coordinator not available")}

	NewMonitor(fixedCounts{StateSettled: 3}, lag, "dispense-worker", m, 0, nil).Report(context.Background())

	got := gauges(t, reg)
	if got["dispense_inbox_commands,state=settled"] != 3 {
		t.Fatalf("inbox gauge not set: %v", got)
	}
	for k := range got {
		if strings.HasPrefix(k, "kafka_consumer_group_lag") {
			t.Fatalf("lag gauge set despite error: %s", k)
		}
	}
}
