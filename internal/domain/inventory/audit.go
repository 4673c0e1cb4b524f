package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/clinic-ledger/internal/observability/metrics"
)

// Auditor is the post-mutation hook of the ledger. It runs inside the
// transaction that wrote the stock, before that transaction may commit, and
// only enforces attribution and records deltas.
type Auditor struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAuditor creates the audit hook
func NewAuditor(logger *zap.Logger, m *metrics.Metrics) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// AfterStockUpdate observes a stock write made in tx.
//
// A write with no acting staff is rejected with ErrUnauthorizedStockUpdate,
// which aborts the enclosing transaction. A write that left the value
// unchanged records nothing. Any other write appends exactly one audit row
// and one StockChanged outbox event.
func (a *Auditor) AfterStockUpdate(ctx context.Context, tx Tx, change StockChange) error {
	staffID := tx.Actor()
	if staffID == "" {
		return a.reject(change)
	}

	if change.Delta() == 0 {
		return nil
	}

	audit := &MedicationAudit{
		ID:           uuid.New().String(),
		MedicationID: change.MedicationID,
		OldQuantity:  change.OldQuantity,
		NewQuantity:  change.NewQuantity,
		ChangeType:   change.Classify(),
		ChangedAt:    a.now().UTC(),
		StaffID:      staffID,
	}
	if err := tx.InsertAudit(ctx, audit); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}

	event, err := NewEvent(change.MedicationID, EventStockChanged, TopicInventoryAudit, &StockChangedData{
		AuditID:      audit.ID,
		MedicationID: audit.MedicationID,
		OldQuantity:  audit.OldQuantity,
		NewQuantity:  audit.NewQuantity,
		ChangeType:   audit.ChangeType,
		StaffID:      audit.StaffID,
		ChangedAt:    audit.ChangedAt,
	})
	if err != nil {
		return fmt.Errorf("build stock event: %w", err)
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append stock event: %w", err)
	}

	a.metrics.ObserveStockMutation(string(audit.ChangeType))
	return nil
}

// reject records a security event for an unattributed write
func (a *Auditor) reject(change StockChange) error {
	a.metrics.ObserveUnauthorized()
	a.logger.Warn("rejected unattributed stock update",
		zap.Bool("security", true),
		zap.String("medication_id", change.MedicationID),
		zap.Int("old_quantity", change.OldQuantity),
		zap.Int("new_quantity", change.NewQuantity))
	return ErrUnauthorizedStockUpdate
}
