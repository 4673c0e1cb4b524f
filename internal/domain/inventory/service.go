package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/clinic-ledger/internal/observability/metrics"
)

const (
	opIssue   = "issue"
	opRestock = "restock"
	opAdjust  = "adjust"
)

// MaxStockQuantity is the largest stock a medication may hold. It is the
// range of the PostgreSQL integer column.
const MaxStockQuantity = math.MaxInt32

// IssueRequest asks to dispense Quantity units of a medication for a diagnosis
type IssueRequest struct {
	PrescriptionItemID string `json:"prescription_item_id"`
	DiagnosisID        string `json:"diagnosis_id"`
	MedicationID       string `json:"medication_id"`
	Quantity           int    `json:"quantity"`
	StaffID            string `json:"staff_id"`
	Guide              string `json:"guide"`
	Duration           string `json:"duration"`
}

// RestockRequest adds Quantity units to a medication
type RestockRequest struct {
	MedicationID string `json:"medication_id"`
	Quantity     int    `json:"quantity"`
	StaffID      string `json:"staff_id"`
}

// AdjustRequest sets a medication's stock to a counted value
type AdjustRequest struct {
	MedicationID  string `json:"medication_id"`
	StockQuantity int    `json:"stock_quantity"`
	StaffID       string `json:"staff_id"`
}

// Service runs ledger transactions. It holds no locks of its own: the store's
// row lock is the only serialization point.
type Service struct {
	store   Store
	auditor *Auditor
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewService creates a ledger service
func NewService(store Store, auditor *Auditor, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditor == nil {
		auditor = NewAuditor(logger, m)
	}
	return &Service{
		store:   store,
		auditor: auditor,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("inventory"),
	}
}

// Issue dispenses medication against a diagnosis. Either the stock decrement,
// the prescription item and their audit row all commit, or nothing does.
//
// Issuing an item id that already exists returns the stored item without a
// second decrement when diagnosis, medication and quantity match, and
// ErrPrescriptionConflict when they do not.
//
// Checks run in order: the medication exists, the quantity is positive, the
// locked stock covers the quantity. No row lock is taken before the
// quantity check. Storage failures surface only as ErrIssuanceFailed.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*PrescriptionItem, error) {
	ctx, span := s.tracer.Start(ctx, "inventory_issue",
		trace.WithAttributes(
			attribute.String("medication_id", req.MedicationID),
			attribute.String("diagnosis_id", req.DiagnosisID),
			attribute.Int("quantity", req.Quantity),
		))
	defer span.End()

	if req.PrescriptionItemID == "" {
		req.PrescriptionItemID = uuid.New().String()
	}

	start := time.Now()
	var (
		item     *PrescriptionItem
		replayed bool
	)
	err := s.inTx(ctx, opIssue, req.StaffID, ErrIssuanceFailed, func(tx Tx) error {
		if _, err := tx.GetMedication(ctx, req.MedicationID); err != nil {
			return err
		}
		if req.Quantity <= 0 {
			return ErrInvalidQuantity
		}

		med, err := tx.LockMedication(ctx, req.MedicationID)
		if err != nil {
			return err
		}

		existing, err := tx.FindPrescriptionItem(ctx, req.PrescriptionItemID)
		if err != nil {
			return fmt.Errorf("find prescription item: %w", err)
		}
		if existing != nil {
			if existing.DiagnosisID != req.DiagnosisID ||
				existing.MedicationID != req.MedicationID ||
				existing.Quantity != req.Quantity {
				return ErrPrescriptionConflict
			}
			item, replayed = existing, true
			return nil
		}

		if med.StockQuantity < req.Quantity {
			return ErrInsufficientStock
		}

		remaining := med.StockQuantity - req.Quantity
		if err := s.writeStock(ctx, tx, med, remaining); err != nil {
			return err
		}

		item = &PrescriptionItem{
			ID:           req.PrescriptionItemID,
			DiagnosisID:  req.DiagnosisID,
			MedicationID: req.MedicationID,
			Quantity:     req.Quantity,
			Guide:        req.Guide,
			Duration:     req.Duration,
			CreatedAt:    time.Now().UTC(),
		}
		if err := tx.InsertPrescriptionItem(ctx, item); err != nil {
			return fmt.Errorf("insert prescription item: %w", err)
		}

		event, err := NewEvent(med.ID, EventPrescriptionIssued, TopicPrescriptionIssued, &PrescriptionIssuedData{
			PrescriptionItemID: item.ID,
			DiagnosisID:        item.DiagnosisID,
			MedicationID:       item.MedicationID,
			Quantity:           item.Quantity,
			RemainingStock:     remaining,
			StaffID:            tx.Actor(),
			IssuedAt:           item.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("build issued event: %w", err)
		}
		return tx.AppendEvent(ctx, event)
	})
	s.observe(span, opIssue, err, start)
	if err != nil {
		return nil, err
	}

	s.logger.Info("prescription issued",
		zap.String("prescription_item_id", item.ID),
		zap.String("medication_id", item.MedicationID),
		zap.String("diagnosis_id", item.DiagnosisID),
		zap.Int("quantity", item.Quantity),
		zap.Bool("replayed", replayed),
	)
	return item, nil
}

// Restock adds stock to a medication under the row lock
func (s *Service) Restock(ctx context.Context, req RestockRequest) (*Medication, error) {
	ctx, span := s.tracer.Start(ctx, "inventory_restock",
		trace.WithAttributes(
			attribute.String("medication_id", req.MedicationID),
			attribute.Int("quantity", req.Quantity),
		))
	defer span.End()

	start := time.Now()
	var updated *Medication
	err := s.inTx(ctx, opRestock, req.StaffID, ErrStockUpdateFailed, func(tx Tx) error {
		if _, err := tx.GetMedication(ctx, req.MedicationID); err != nil {
			return err
		}
		if req.Quantity <= 0 || req.Quantity > MaxStockQuantity {
			return ErrInvalidQuantity
		}
		med, err := tx.LockMedication(ctx, req.MedicationID)
		if err != nil {
			return err
		}
		if req.Quantity > MaxStockQuantity-med.StockQuantity {
			return ErrInvalidQuantity
		}
		if err := s.writeStock(ctx, tx, med, med.StockQuantity+req.Quantity); err != nil {
			return err
		}
		updated = med
		return nil
	})
	s.observe(span, opRestock, err, start)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Adjust sets a medication's stock to a counted value. Setting the current
// value again is accepted and leaves no audit row.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (*Medication, error) {
	ctx, span := s.tracer.Start(ctx, "inventory_adjust",
		trace.WithAttributes(
			attribute.String("medication_id", req.MedicationID),
			attribute.Int("stock_quantity", req.StockQuantity),
		))
	defer span.End()

	start := time.Now()
	var updated *Medication
	err := s.inTx(ctx, opAdjust, req.StaffID, ErrStockUpdateFailed, func(tx Tx) error {
		if req.StockQuantity > MaxStockQuantity {
			return ErrInvalidQuantity
		}
		med, err := tx.LockMedication(ctx, req.MedicationID)
		if err != nil {
			return err
		}
		if err := s.writeStock(ctx, tx, med, req.StockQuantity); err != nil {
			return err
		}
		updated = med
		return nil
	})
	s.observe(span, opAdjust, err, start)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetMedication returns the committed state of a medication
func (s *Service) GetMedication(ctx context.Context, id string) (*Medication, error) {
	return s.store.GetMedication(ctx, id)
}

// ListAudits returns the audit trail of a medication, oldest first
func (s *Service) ListAudits(ctx context.Context, medicationID string) ([]*MedicationAudit, error) {
	return s.store.ListAudits(ctx, medicationID)
}

// ListPrescriptionItems returns the items issued for a diagnosis, oldest first
func (s *Service) ListPrescriptionItems(ctx context.Context, diagnosisID string) ([]*PrescriptionItem, error) {
	return s.store.ListPrescriptionItems(ctx, diagnosisID)
}

// writeStock is the only path that mutates stock. The audit hook runs in the
// same transaction right after the write.
func (s *Service) writeStock(ctx context.Context, tx Tx, med *Medication, quantity int) error {
	if quantity < 0 {
		return ErrNegativeStock
	}
	change := StockChange{
		MedicationID: med.ID,
		OldQuantity:  med.StockQuantity,
		NewQuantity:  quantity,
	}
	if err := tx.UpdateStock(ctx, med.ID, quantity); err != nil {
		// Stores that guard the row themselves reject before the hook runs.
		if errors.Is(err, ErrUnauthorizedStockUpdate) {
			return s.auditor.reject(change)
		}
		return fmt.Errorf("update stock: %w", err)
	}
	if err := s.auditor.AfterStockUpdate(ctx, tx, change); err != nil {
		return err
	}
	med.StockQuantity = quantity
	return nil
}

// inTx runs fn in a ledger transaction with the acting staff published into
// it. Every failure rolls back. Typed outcomes pass through; anything else is
// logged and replaced by failure.
func (s *Service) inTx(ctx context.Context, op, staffID string, failure error, fn func(tx Tx) error) error {
	if staffID == "" {
		staffID = ActorFromContext(ctx)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return s.internal(op, "begin", failure, err)
	}
	// Rollback must reach the store even when ctx is already cancelled.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if staffID != "" {
		if err := tx.SetActor(ctx, staffID); err != nil {
			return s.internal(op, "set actor", failure, err)
		}
	}

	if err := fn(tx); err != nil {
		if isDomainError(err) {
			return err
		}
		return s.internal(op, "execute", failure, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return s.internal(op, "commit", failure, err)
	}
	return nil
}

func (s *Service) internal(op, stage string, failure, err error) error {
	s.logger.Error("ledger transaction failed",
		zap.String("operation", op),
		zap.String("stage", stage),
		zap.Error(err))
	return failure
}

func (s *Service) observe(span trace.Span, op string, err error, start time.Time) {
	outcome := outcomeOf(err)
	s.metrics.ObserveOperation(op, outcome, time.Since(start).Seconds())
	span.SetAttributes(attribute.String("outcome", outcome))

	switch outcome {
	case metrics.OutcomeSuccess:
	case metrics.OutcomeInvalid:
		s.logger.Debug("ledger request rejected", zap.String("operation", op), zap.Error(err))
	case metrics.OutcomeNotFound, metrics.OutcomeInsufficient, metrics.OutcomeConflict:
		s.logger.Info("ledger request declined", zap.String("operation", op), zap.Error(err))
	default:
		span.SetStatus(codes.Error, err.Error())
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrMedicationNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrNegativeStock):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrInsufficientStock):
		return metrics.OutcomeInsufficient
	case errors.Is(err, ErrPrescriptionConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, ErrUnauthorizedStockUpdate):
		return metrics.OutcomeUnauthorized
	default:
		return metrics.OutcomeFailed
	}
}
