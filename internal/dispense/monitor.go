package dispense

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/clinic-ledger/internal/observability/metrics"
)

// CommandCounter counts inbox commands by state
type CommandCounter interface {
	Counts(ctx context.Context) (map[CommandState]int64, error)
}

// LagReader reads a consumer group's lag per topic
type LagReader interface {
	GroupLag(ctx context.Context, groupID string) (map[string]int64, error)
}

// Monitor exports the worker's backlog as gauges: inbox commands by state
// and the consumer group's lag
type Monitor struct {
	inbox    CommandCounter
	lag      LagReader
	group    string
	metrics  *metrics.Metrics
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor creates a monitor. A nil lag reader skips lag reporting.
func NewMonitor(inbox CommandCounter, lag LagReader, group string, m *metrics.Metrics, interval time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		inbox:    inbox,
		lag:      lag,
		group:    group,
		metrics:  m,
		interval: interval,
		logger:   logger,
	}
}

// Run reports every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Report(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Report reads the backlog once and updates the gauges
func (m *Monitor) Report(ctx context.Context) {
	counts, err := m.inbox.Counts(ctx)
	if err != nil {
		m.logger.Warn("failed to count dispense inbox", zap.Error(err))
	} else {
		for state, n := range counts {
			m.metrics.SetDispenseInbox(string(state), n)
		}
	}

	if m.lag == nil {
		return
	}
	lag, err := m.lag.GroupLag(ctx, m.group)
	if err != nil {
		m.logger.Warn("failed to read consumer lag", zap.String("group", m.group), zap.Error(err))
		return
	}
	for topic, n := range lag {
		m.metrics.SetConsumerLag(topic, n)
	}
}
