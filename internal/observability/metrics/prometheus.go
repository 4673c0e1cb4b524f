// Package metrics provides Prometheus metrics for the dispensing ledger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for ledger operations
const (
	OutcomeSuccess      = "success"
	OutcomeNotFound     = "not_found"
	OutcomeInvalid      = "invalid_quantity"
	OutcomeInsufficient = "insufficient_stock"
	OutcomeConflict     = "conflict"
	OutcomeUnauthorized = "unauthorized"
	OutcomeFailed       = "failed"
)

// Metrics holds all application metrics
type Metrics struct {
	LedgerOperations         *prometheus.CounterVec
	OperationDuration        *prometheus.HistogramVec
	StockMutations           *prometheus.CounterVec
	UnauthorizedStockUpdates prometheus.Counter
	ComplianceEvents         prometheus.Counter
	KafkaMessagesProduced    prometheus.Counter
	KafkaMessagesConsumed    prometheus.Counter
	OutboxPending            prometheus.Gauge
	OutboxFailed             prometheus.Gauge
	CircuitBreakerState      *prometheus.GaugeVec
	DispenseInbox            *prometheus.GaugeVec
	ConsumerLag              *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg means the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_ledger_operations_total",
			Help: "Ledger operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinic_ledger_operation_duration_seconds",
			Help:    "Ledger operation duration, including row lock wait",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"operation"}),
		StockMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_stock_mutations_total",
			Help: "Audited stock mutations by change type",
		}, []string{"change_type"}),
		UnauthorizedStockUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_unauthorized_stock_updates_total",
			Help: "Stock mutations rejected for missing acting staff",
		}),
		ComplianceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_compliance_events_total",
			Help: "Medication-taken events recorded",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_failed_entries",
			Help: "Outbox entries that exhausted their retries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		DispenseInbox: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispense_inbox_commands",
			Help: "Dispense commands in the inbox by state",
		}, []string{"state"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Records behind the group's committed offsets, by topic",
		}, []string{"topic"}),
	}

	reg.MustRegister(
		m.LedgerOperations,
		m.OperationDuration,
		m.StockMutations,
		m.UnauthorizedStockUpdates,
		m.ComplianceEvents,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.OutboxFailed,
		m.CircuitBreakerState,
		m.DispenseInbox,
		m.ConsumerLag,
	)

	return m
}

// ObserveOperation records the outcome and duration of a ledger operation.
// Safe on a nil receiver.
func (m *Metrics) ObserveOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.LedgerOperations.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// ObserveStockMutation counts an audited stock mutation. Safe on a nil receiver.
func (m *Metrics) ObserveStockMutation(changeType string) {
	if m == nil {
		return
	}
	m.StockMutations.WithLabelValues(changeType).Inc()
}

// ObserveUnauthorized counts a rejected unattributed mutation. Safe on a nil receiver.
func (m *Metrics) ObserveUnauthorized() {
	if m == nil {
		return
	}
	m.UnauthorizedStockUpdates.Inc()
}

// SetDispenseInbox sets the number of inbox commands in a state. Safe on a
// nil receiver.
func (m *Metrics) SetDispenseInbox(state string, n int64) {
	if m == nil {
		return
	}
	m.DispenseInbox.WithLabelValues(state).Set(float64(n))
}

// SetConsumerLag sets the lag of the consumer group on a topic. Safe on a
// nil receiver.
func (m *Metrics) SetConsumerLag(topic string, lag int64) {
	if m == nil {
		return
	}
	m.ConsumerLag.WithLabelValues(topic).Set(float64(lag))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
