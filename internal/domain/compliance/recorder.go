// Package compliance records patient medication-taken events. The log is
// append-only and independent of the inventory ledger.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/clinic-ledger/internal/observability/metrics"
)

// ErrInvalidEvent is returned when a compliance event is missing required fields
var ErrInvalidEvent = errors.New("invalid compliance event")

// Event records that a patient took a prescribed medication
type Event struct {
	ID                 string    `json:"id" db:"id"`
	PatientID          string    `json:"patient_id" db:"patient_id"`
	PrescriptionItemID string    `json:"prescription_item_id" db:"prescription_item_id"`
	TakenAt            time.Time `json:"taken_at" db:"taken_at"`
	Notes              string    `json:"notes" db:"notes"`
	RecordedAt         time.Time `json:"recorded_at" db:"recorded_at"`
}

// Store persists compliance events. There is no update or delete path.
type Store interface {
	AppendCompliance(ctx context.Context, e *Event) error
	ListCompliance(ctx context.Context, patientID string) ([]*Event, error)
}

// Recorder validates and appends compliance events
type Recorder struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecorder creates a compliance recorder
func NewRecorder(store Store, logger *zap.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger, metrics: m, now: time.Now}
}

// Record appends a medication-taken event. TakenAt may not lie in the future.
func (r *Recorder) Record(ctx context.Context, e *Event) (*Event, error) {
	if err := r.validate(e); err != nil {
		return nil, err
	}

	rec := *e
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.TakenAt = rec.TakenAt.UTC()
	rec.RecordedAt = r.now().UTC()

	if err := r.store.AppendCompliance(ctx, &rec); err != nil {
		r.logger.Error("failed to record compliance event",
			zap.String("patient_id", rec.PatientID),
			zap.Error(err))
		return nil, fmt.Errorf("record compliance event: %w", err)
	}

	if r.metrics != nil {
		r.metrics.ComplianceEvents.Inc()
	}
	return &rec, nil
}

// List returns a patient's compliance events, oldest first
func (r *Recorder) List(ctx context.Context, patientID string) ([]*Event, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidEvent)
	}
	return r.store.ListCompliance(ctx, patientID)
}

func (r *Recorder) validate(e *Event) error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: event is required", ErrInvalidEvent)
	case strings.TrimSpace(e.PatientID) == "":
		return fmt.Errorf("%w: patient id is required", ErrInvalidEvent)
	case strings.TrimSpace(e.PrescriptionItemID) == "":
		return fmt.Errorf("%w: prescription item id is required", ErrInvalidEvent)
	case e.TakenAt.IsZero():
		return fmt.Errorf("%w: taken_at is required", ErrInvalidEvent)
	case e.TakenAt.After(r.now().Add(time.Minute)):
		return fmt.Errorf("%w: taken_at is in the future", ErrInvalidEvent)
	}
	return nil
}
