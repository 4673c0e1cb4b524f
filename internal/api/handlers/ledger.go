// Package handlers provides HTTP handlers for the clinic API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/clinic-ledger/internal/api/middleware"
	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
)

// LedgerHandler serves medication stock and prescription issuance
type LedgerHandler struct {
	svc    *inventory.Service
	logger *zap.Logger
}

// NewLedgerHandler creates a new handler
func NewLedgerHandler(svc *inventory.Service, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{svc: svc, logger: logger}
}

// MedicationRoutes returns the /medications routes
func (h *LedgerHandler) MedicationRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.GetMedication)
	r.Get("/{id}/audits", h.ListAudits)
	r.Post("/{id}/restock", h.Restock)
	r.Put("/{id}/stock", h.Adjust)
	return r
}

// DiagnosisRoutes returns the /diagnoses routes
func (h *LedgerHandler) DiagnosisRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/prescriptions", h.Issue)
	r.Get("/{id}/prescriptions", h.ListPrescriptions)
	return r
}

// GetMedication handles GET /medications/{id}
func (h *LedgerHandler) GetMedication(w http.ResponseWriter, r *http.Request) {
	med, err := h.svc.GetMedication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

// ListAudits handles GET /medications/{id}/audits
func (h *LedgerHandler) ListAudits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.svc.GetMedication(ctx, id); err != nil {
		h.ledgerError(w, r, err)
		return
	}
	audits, err := h.svc.ListAudits(ctx, id)
	if err != nil {
		h.ledgerError(w, r, err)
		return
	}
	if audits == nil {
		audits = []*inventory.MedicationAudit{}
	}
	writeJSON(w, http.StatusOK, audits)
}

// RestockRequest is the body of POST /medications/{id}/restock
type RestockRequest struct {
	Quantity int `json:"quantity"`
}

// Restock handles POST /medications/{id}/restock
func (h *LedgerHandler) Restock(w http.ResponseWriter, r *http.Request) {
	var req RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	med, err := h.svc.Restock(r.Context(), inventory.RestockRequest{
		MedicationID: chi.URLParam(r, "id"),
		Quantity:     req.Quantity,
	})
	if err != nil {
		h.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

// AdjustRequest is the body of PUT /medications/{id}/stock
type AdjustRequest struct {
	StockQuantity *int `json:"stock_quantity"`
}

// Adjust handles PUT /medications/{id}/stock
func (h *LedgerHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.StockQuantity == nil {
		jsonError(w, "stock_quantity is required", http.StatusBadRequest)
		return
	}

	med, err := h.svc.Adjust(r.Context(), inventory.AdjustRequest{
		MedicationID:  chi.URLParam(r, "id"),
		StockQuantity: *req.StockQuantity,
	})
	if err != nil {
		h.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

// IssueRequest is the body of POST /diagnoses/{id}/prescriptions. Resending
// a request with the same ID returns the item issued the first time.
type IssueRequest struct {
	ID           string `json:"id,omitempty"`
	MedicationID string `json:"medication_id"`
	Quantity     int    `json:"quantity"`
	Guide        string `json:"guide"`
	Duration     string `json:"duration"`
}

// Issue handles POST /diagnoses/{id}/prescriptions
func (h *LedgerHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MedicationID == "" {
		jsonError(w, "medication_id is required", http.StatusBadRequest)
		return
	}

	item, err := h.svc.Issue(r.Context(), inventory.IssueRequest{
		PrescriptionItemID: req.ID,
		DiagnosisID:        chi.URLParam(r, "id"),
		MedicationID:       req.MedicationID,
		Quantity:           req.Quantity,
		Guide:              req.Guide,
		Duration:           req.Duration,
	})
	if err != nil {
		h.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ListPrescriptions handles GET /diagnoses/{id}/prescriptions
func (h *LedgerHandler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListPrescriptionItems(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.ledgerError(w, r, err)
		return
	}
	if items == nil {
		items = []*inventory.PrescriptionItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ledgerError maps ledger outcomes to status codes. Messages of typed
// outcomes are safe to return; anything else is logged and hidden.
func (h *LedgerHandler) ledgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, inventory.ErrMedicationNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, inventory.ErrInvalidQuantity), errors.Is(err, inventory.ErrNegativeStock):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, inventory.ErrInsufficientStock), errors.Is(err, inventory.ErrPrescriptionConflict):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, inventory.ErrUnauthorizedStockUpdate):
		jsonError(w, err.Error(), http.StatusForbidden)
	case inventory.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("ledger request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
