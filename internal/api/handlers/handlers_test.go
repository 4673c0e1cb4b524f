package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/clinic-ledger/internal/api/middleware"
	"github.com/drfirst/clinic-ledger/internal/domain/compliance"
	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
	"github.com/drfirst/clinic-ledger/internal/domain/inventory/inventorytest"
	"github.com/drfirst/clinic-ledger/internal/infrastructure/sqlite"
)

var secret = []byte("handler-secret")

type testServer struct {
	store  *sqlite.Store
	router http.Handler
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := inventory.NewService(store, inventory.NewAuditor(nil, nil), nil, nil)
	ledger := NewLedgerHandler(svc, nil)
	patients := NewComplianceHandler(compliance.NewRecorder(store, nil, nil), nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.StaffAuth(secret))
		r.Mount("/medications", ledger.MedicationRoutes())
		r.Mount("/diagnoses", ledger.DiagnosisRoutes())
		r.Mount("/patients", patients.Routes())
	})

	token, err := middleware.SignStaffToken(secret, "staff-1", "pharmacist", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &testServer{store: store, router: r, token: token}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestIssuePrescription(t *testing.T) {
	s := newTestServer(t)
	med, diag := inventorytest.Seed(t, s.store, 10)

	rec := s.do(t, http.MethodPost, "/api/v1/diagnoses/"+diag.ID+"/prescriptions", IssueRequest{
		MedicationID: med.ID,
		Quantity:     4,
		Guide:        "one capsule three times daily",
		Duration:     "7 days",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var item inventory.PrescriptionItem
	decode(t, rec, &item)
	if item.ID == "" || item.Quantity != 4 || item.DiagnosisID != diag.ID {
		t.Fatalf("unexpected item: %+v", item)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/medications/"+med.ID, nil)
	var got inventory.Medication
	decode(t, rec, &got)
	if got.StockQuantity != 6 {
		t.Fatalf("stock = %d, want 6", got.StockQuantity)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/medications/"+med.ID+"/audits", nil)
	var audits []inventory.MedicationAudit
	decode(t, rec, &audits)
	if len(audits) != 1 || audits[0].StaffID != "staff-1" || audits[0].ChangeType != inventory.ChangeDeduction {
		t.Fatalf("unexpected audits: %+v", audits)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/diagnoses/"+diag.ID+"/prescriptions", nil)
	var items []inventory.PrescriptionItem
	decode(t, rec, &items)
	if len(items) != 1 || items[0].ID != item.ID {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestIssueStatusCodes(t *testing.T) {
	s := newTestServer(t)
	med, diag := inventorytest.Seed(t, s.store, 5)
	path := "/api/v1/diagnoses/" + diag.ID + "/prescriptions"

	cases := []struct {
		name string
		req  IssueRequest
		want int
	}{
		{"insufficient", IssueRequest{MedicationID: med.ID, Quantity: 6}, http.StatusConflict},
		{"zero quantity", IssueRequest{MedicationID: med.ID, Quantity: 0}, http.StatusBadRequest},
		{"unknown medication", IssueRequest{MedicationID: "missing", Quantity: 1}, http.StatusNotFound},
		{"missing medication id", IssueRequest{Quantity: 1}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, path, tc.req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d, body %s", rec.Code, tc.want, rec.Body.String())
			}
			var body map[string]string
			decode(t, rec, &body)
			if body["error"] == "" {
				t.Fatalf("missing error message")
			}
		})
	}

	m, err := s.store.GetMedication(context.Background(), med.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.StockQuantity != 5 {
		t.Fatalf("stock = %d after rejected issues, want 5", m.StockQuantity)
	}
}

func TestIssueUnknownDiagnosisIsUnavailable(t *testing.T) {
	s := newTestServer(t)
	med, _ := inventorytest.Seed(t, s.store, 5)

	rec := s.do(t, http.MethodPost, "/api/v1/diagnoses/missing/prescriptions", IssueRequest{MedicationID: med.ID, Quantity: 1})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestRestockAndAdjust(t *testing.T) {
	s := newTestServer(t)
	med, _ := inventorytest.Seed(t, s.store, 3)

	rec := s.do(t, http.MethodPost, "/api/v1/medications/"+med.ID+"/restock", RestockRequest{Quantity: 7})
	if rec.Code != http.StatusOK {
		t.Fatalf("restock status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got inventory.Medication
	decode(t, rec, &got)
	if got.StockQuantity != 10 {
		t.Fatalf("stock = %d, want 10", got.StockQuantity)
	}

	rec = s.do(t, http.MethodPut, "/api/v1/medications/"+med.ID+"/stock", map[string]int{"stock_quantity": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust status = %d, body %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &got)
	if got.StockQuantity != 0 {
		t.Fatalf("stock = %d, want 0", got.StockQuantity)
	}

	rec = s.do(t, http.MethodPut, "/api/v1/medications/"+med.ID+"/stock", map[string]int{"stock_quantity": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative adjust status = %d", rec.Code)
	}
	rec = s.do(t, http.MethodPut, "/api/v1/medications/"+med.ID+"/stock", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty adjust status = %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/medications/"+med.ID+"/restock", RestockRequest{Quantity: -2})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative restock status = %d", rec.Code)
	}
	rec = s.do(t, http.MethodPut, "/api/v1/medications/"+med.ID+"/stock", map[string]int{"stock_quantity": inventory.MaxStockQuantity + 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("adjust above the stock ceiling status = %d", rec.Code)
	}
}

func TestAuditsOfUnknownMedication(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/medications/missing/audits", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRequiresStaffToken(t *testing.T) {
	s := newTestServer(t)
	med, _ := inventorytest.Seed(t, s.store, 3)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/medications/"+med.ID+"/restock", bytes.NewBufferString(`{"quantity":1}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	m, _ := s.store.GetMedication(context.Background(), med.ID)
	if m.StockQuantity != 3 {
		t.Fatalf("stock changed without a token: %d", m.StockQuantity)
	}
}

func TestComplianceEndpoints(t *testing.T) {
	s := newTestServer(t)
	path := "/api/v1/patients/patient-9/compliance"

	rec := s.do(t, http.MethodPost, path, RecordRequest{
		PrescriptionItemID: "item-1",
		TakenAt:            time.Now().Add(-time.Hour),
		Notes:              "with food",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, path, RecordRequest{
		PrescriptionItemID: "item-1",
		TakenAt:            time.Now().Add(time.Hour),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("future taken_at status = %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, path, nil)
	var events []compliance.Event
	decode(t, rec, &events)
	if len(events) != 1 || events[0].PatientID != "patient-9" || events[0].Notes != "with food" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestIssueRetryWithSameID(t *testing.T) {
	s := newTestServer(t)
	med, diag := inventorytest.Seed(t, s.store, 10)
	path := "/api/v1/diagnoses/" + diag.ID + "/prescriptions"
	req := IssueRequest{ID: "rx-retry", MedicationID: med.ID, Quantity: 3}

	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, path, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("attempt %d: status = %d, body %s", i, rec.Code, rec.Body.String())
		}
		var item inventory.PrescriptionItem
		decode(t, rec, &item)
		if item.ID != "rx-retry" || item.Quantity != 3 {
			t.Fatalf("attempt %d: unexpected item %+v", i, item)
		}
	}

	rec := s.do(t, http.MethodGet, "/api/v1/medications/"+med.ID, nil)
	var got inventory.Medication
	decode(t, rec, &got)
	if got.StockQuantity != 7 {
		t.Fatalf("stock = %d, want 7", got.StockQuantity)
	}

	req.Quantity = 2
	rec = s.do(t, http.MethodPost, path, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("reused id with new quantity: status = %d, body %s", rec.Code, rec.Body.String())
	}
}
