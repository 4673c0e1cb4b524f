package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/clinic-ledger/internal/domain/compliance"
)

// ComplianceHandler serves patient medication-taken events
type ComplianceHandler struct {
	recorder *compliance.Recorder
	logger   *zap.Logger
}

// NewComplianceHandler creates a new handler
func NewComplianceHandler(recorder *compliance.Recorder, logger *zap.Logger) *ComplianceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComplianceHandler{recorder: recorder, logger: logger}
}

// Routes returns the /patients routes
func (h *ComplianceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/compliance", h.Record)
	r.Get("/{id}/compliance", h.List)
	return r
}

// RecordRequest is the body of POST /patients/{id}/compliance
type RecordRequest struct {
	PrescriptionItemID string    `json:"prescription_item_id"`
	TakenAt            time.Time `json:"taken_at"`
	Notes              string    `json:"notes"`
}

// Record handles POST /patients/{id}/compliance
func (h *ComplianceHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	event, err := h.recorder.Record(r.Context(), &compliance.Event{
		PatientID:          chi.URLParam(r, "id"),
		PrescriptionItemID: req.PrescriptionItemID,
		TakenAt:            req.TakenAt,
		Notes:              req.Notes,
	})
	if err != nil {
		h.complianceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// List handles GET /patients/{id}/compliance
func (h *ComplianceHandler) List(w http.ResponseWriter, r *http.Request) {
	events, err := h.recorder.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.complianceError(w, err)
		return
	}
	if events == nil {
		events = []*compliance.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *ComplianceHandler) complianceError(w http.ResponseWriter, err error) {
	if errors.Is(err, compliance.ErrInvalidEvent) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Error("compliance request failed", zap.Error(err))
	jsonError(w, "failed to record compliance event", http.StatusServiceUnavailable)
}
