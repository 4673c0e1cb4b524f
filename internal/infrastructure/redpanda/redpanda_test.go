package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
)

func TestDefaultTopicConfigsCoverLedgerTopics(t *testing.T) {
	want := map[string]bool{
		inventory.TopicInventoryAudit:     false,
		inventory.TopicPrescriptionIssued: false,
		inventory.TopicDispenseCommands:   false,
		inventory.TopicDispenseResults:    false,
		inventory.TopicDeadLetter:         false,
	}

	for _, cfg := range DefaultTopicConfigs() {
		if _, ok := want[cfg.Name]; !ok {
			t.Errorf("unexpected topic %q", cfg.Name)
			continue
		}
		if cfg.Partitions <= 0 {
			t.Errorf("topic %q has %d partitions", cfg.Name, cfg.Partitions)
		}
		want[cfg.Name] = true
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("topic %q missing", name)
		}
	}
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: inventory.TopicDispenseCommands}
	injectTraceHeaders(ctx, record)

	if got := (headerCarrier{record: record}).Get("traceparent"); got == "" {
		t.Fatalf("traceparent header not written")
	}

	extracted := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if extracted.TraceID() != traceID {
		t.Fatalf("trace id = %s, want %s", extracted.TraceID(), traceID)
	}
	if !extracted.IsRemote() {
		t.Fatalf("extracted span context should be remote")
	}
}

func TestHeaderCarrierOverwrites(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record: record}

	c.Set("k", "one")
	c.Set("k", "two")

	if len(record.Headers) != 1 {
		t.Fatalf("headers = %d, want 1", len(record.Headers))
	}
	if got := c.Get("k"); got != "two" {
		t.Fatalf("header = %q, want two", got)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "k" {
		t.Fatalf("keys = %v", keys)
	}
}
