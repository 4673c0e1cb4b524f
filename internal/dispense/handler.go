// Package dispense issues prescriptions from commands consumed off the
// dispense.commands topic and reports each outcome on dispense.results.
//
// Commands are de-duplicated by prescription item id through the inbox, so a
// redelivered command never dispenses twice.
package dispense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
	"github.com/drfirst/clinic-ledger/internal/infrastructure/redpanda"
	"github.com/drfirst/clinic-ledger/pkg/workerpool"
)

// ErrInvalidCommand is returned for commands missing required fields. The
// inbox records them as invalid for good.
var ErrInvalidCommand = errors.New("invalid dispense command")

// Outcome statuses published on dispense.results
const (
	StatusIssued   = "issued"
	StatusRejected = "rejected"
)

// Command asks for one prescription item to be issued
type Command struct {
	PrescriptionItemID string `json:"prescription_item_id"`
	DiagnosisID        string `json:"diagnosis_id"`
	MedicationID       string `json:"medication_id"`
	Quantity           int    `json:"quantity"`
	StaffID            string `json:"staff_id"`
	Guide              string `json:"guide"`
	Duration           string `json:"duration"`
}

// Outcome is the result of a command
type Outcome struct {
	PrescriptionItemID string    `json:"prescription_item_id"`
	MedicationID       string    `json:"medication_id"`
	Status             string    `json:"status"`
	Reason             string    `json:"reason,omitempty"`
	ProcessedAt        time.Time `json:"processed_at"`
}

// Issuer issues prescription items against the ledger
type Issuer interface {
	Issue(ctx context.Context, req inventory.IssueRequest) (*inventory.PrescriptionItem, error)
}

// Inbox records the outcome of each command by prescription item id
type Inbox interface {
	Run(ctx context.Context, cmd Command, raw json.RawMessage, dispense DispenseFunc) (*Delivery, error)
}

// Handler consumes dispense commands
type Handler struct {
	inbox   Inbox
	results redpanda.Publisher
	pool    *workerpool.Pool
	logger  *zap.Logger
	now     func() time.Time
}

// NewHandler creates a handler whose issuance runs on a worker pool. Only
// retryable ledger failures are retried by the pool.
func NewHandler(issuer Issuer, inbox Inbox, results redpanda.Publisher, poolCfg workerpool.Config, logger *zap.Logger) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg.Retryable = inventory.IsRetryable

	pool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		cmd := task.Payload.(Command)
		item, err := issuer.Issue(ctx, cmd.issueRequest())
		if err != nil {
			return &workerpool.Result{Error: err}
		}
		return &workerpool.Result{Success: true, Data: item}
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Handler{
		inbox:   inbox,
		results: results,
		pool:    pool,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// IsTerminal reports whether a failed command must not be processed again
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidCommand)
}

// Start starts the worker pool
func (h *Handler) Start() { h.pool.Start() }

// Stop drains the worker pool
func (h *Handler) Stop() error { return h.pool.Stop() }

// Healthy reports whether the worker pool keeps up
func (h *Handler) Healthy() bool { return h.pool.IsHealthy() }

// Handle processes one consumed command. A returned error sends the record
// to the dead letter topic.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("decode dispense command: %w", err)
	}
	if cmd.PrescriptionItemID == "" {
		return fmt.Errorf("%w: prescription_item_id is required", ErrInvalidCommand)
	}

	delivery, err := h.inbox.Run(ctx, cmd, msg.Value, func(ctx context.Context) (json.RawMessage, error) {
		return h.dispense(ctx, cmd)
	})
	switch {
	case errors.Is(err, ErrCommandClaimed),
		errors.Is(err, ErrCommandInFlight),
		errors.Is(err, ErrCommandInvalid):
		h.logger.Debug("skipping dispense command",
			zap.String("prescription_item_id", cmd.PrescriptionItemID),
			zap.Error(err))
		return nil
	case err != nil:
		return err
	}

	if !delivery.Fresh {
		h.logger.Debug("dispense command already handled",
			zap.String("prescription_item_id", cmd.PrescriptionItemID))
		return nil
	}

	if err := h.results.Publish(ctx, inventory.TopicDispenseResults, cmd.PrescriptionItemID, delivery.Outcome); err != nil {
		return fmt.Errorf("publish dispense outcome: %w", err)
	}
	return nil
}

// dispense issues the item. Ledger rejections are outcomes, not failures.
func (h *Handler) dispense(ctx context.Context, cmd Command) (json.RawMessage, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	result, err := h.pool.Do(ctx, &workerpool.Task{ID: cmd.PrescriptionItemID, Payload: cmd})
	if err != nil {
		return nil, err
	}

	out := Outcome{
		PrescriptionItemID: cmd.PrescriptionItemID,
		MedicationID:       cmd.MedicationID,
		ProcessedAt:        h.now().UTC(),
	}
	switch {
	case result.Success:
		out.Status = StatusIssued
	case !isRejection(result.Error):
		h.logger.Warn("dispense failed",
			zap.String("prescription_item_id", cmd.PrescriptionItemID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Error))
		return nil, result.Error
	default:
		out.Status = StatusRejected
		out.Reason = result.Error.Error()
	}

	h.logger.Info("dispense command handled",
		zap.String("prescription_item_id", cmd.PrescriptionItemID),
		zap.String("status", out.Status))
	return json.Marshal(out)
}

func isRejection(err error) bool {
	for _, target := range []error{
		inventory.ErrMedicationNotFound,
		inventory.ErrInvalidQuantity,
		inventory.ErrInsufficientStock,
		inventory.ErrUnauthorizedStockUpdate,
		inventory.ErrPrescriptionConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (c Command) validate() error {
	switch {
	case c.DiagnosisID == "":
		return fmt.Errorf("%w: diagnosis_id is required", ErrInvalidCommand)
	case c.MedicationID == "":
		return fmt.Errorf("%w: medication_id is required", ErrInvalidCommand)
	}
	return nil
}

func (c Command) issueRequest() inventory.IssueRequest {
	return inventory.IssueRequest{
		PrescriptionItemID: c.PrescriptionItemID,
		DiagnosisID:        c.DiagnosisID,
		MedicationID:       c.MedicationID,
		Quantity:           c.Quantity,
		StaffID:            c.StaffID,
		Guide:              c.Guide,
		Duration:           c.Duration,
	}
}
