package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
)

var secret = []byte("test-secret")

func staffEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(inventory.ActorFromContext(r.Context())))
	})
}

func TestStaffAuthAcceptsValidToken(t *testing.T) {
	token, err := SignStaffToken(secret, "staff-42", "pharmacist", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	StaffAuth(secret)(staffEcho()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "staff-42" {
		t.Fatalf("actor = %q, want staff-42", rec.Body.String())
	}
}

func TestStaffAuthRejects(t *testing.T) {
	expired, _ := SignStaffToken(secret, "staff-42", "", -time.Minute)
	wrongKey, _ := SignStaffToken([]byte("other"), "staff-42", "", time.Minute)
	noSubject, _ := SignStaffToken(secret, "", "", time.Minute)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "staff-42"}).SignedString(secret)

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"garbage":        "Bearer not-a-token",
		"expired":        "Bearer " + expired,
		"wrong key":      "Bearer " + wrongKey,
		"no subject":     "Bearer " + noSubject,
		"no expiry":      "Bearer " + noExpiry,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()

			StaffAuth(secret)(staffEcho()).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("content type = %q", ct)
			}
		})
	}
}

func TestLoggerRecordsStaffID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	token, _ := SignStaffToken(secret, "staff-7", "", time.Minute)

	h := RequestID(Logger(zap.New(core))(StaffAuth(secret)(staffEcho())))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/medications/m1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["staff_id"] != "staff-7" {
		t.Fatalf("staff_id = %v", fields["staff_id"])
	}
	if fields["request_id"] == "" || fields["request_id"] != rec.Header().Get("X-Request-ID") {
		t.Fatalf("request_id = %v, header %q", fields["request_id"], rec.Header().Get("X-Request-ID"))
	}
}

func TestRecoverReturnsJSON(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}
