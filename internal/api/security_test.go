package api

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sqlguard/sqlguard/internal/auth"
	"github.com/sqlguard/sqlguard/internal/observability"
	"github.com/sqlguard/sqlguard/internal/security"
)

func newSecurityHandler(t *testing.T, env map[string]string, deps Dependencies) (http.Handler, *security.Validator) {
	t.Helper()
	validator := security.NewValidator(security.Options{Logger: observability.DiscardLogger()})
	deps.Security = validator
	return NewHandler(loadTestConfig(t, env), deps), validator
}

func TestValidateSQLEndpoint(t *testing.T) {
	h, _ := newSecurityHandler(t, map[string]string{}, Dependencies{})

	tests := []struct {
		sql    string
		safe   bool
		action string
	}{
		{sql: "SELECT id FROM customers", safe: true, action: "allow"},
		{sql: "DROP TABLE customers", safe: false, action: "deny"},
		{sql: "SELECT 'drop table' AS note", safe: true, action: "allow"},
	}
	for _, tc := range tests {
		payload := `{"sql":` + quoteJSON(tc.sql) + `}`
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sql/validate", strings.NewReader(payload)))
		if rr.Code != http.StatusOK {
			t.Fatalf("%q: status = %d", tc.sql, rr.Code)
		}
		body := decodeBody(t, rr)
		if body["is_safe"] != tc.safe || body["action"] != tc.action {
			t.Fatalf("%q: body = %#v", tc.sql, body)
		}
	}
}

func TestSecurityReportAndEvents(t *testing.T) {
	h, validator := newSecurityHandler(t, map[string]string{}, Dependencies{})
	caller := security.Caller{Identity: "alice", Address: "198.51.100.4"}
	validator.ValidateSQL(t.Context(), "DELETE FROM accounts", caller)
	validator.ValidateSQL(t.Context(), "SELECT 1", caller)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/security/report?hours=1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("report status = %d, body = %s", rr.Code, rr.Body.String())
	}
	report := decodeBody(t, rr)
	if report["total_events"] != float64(2) {
		t.Fatalf("report = %#v", report)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/security/report?hours=abc", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad hours status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/security/events?format=csv&limit=10", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("events status = %d", rr.Code)
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("Content-Type = %q", rr.Header().Get("Content-Type"))
	}
	rows, err := csv.NewReader(strings.NewReader(rr.Body.String())).ReadAll()
	if err != nil {
		t.Fatalf("csv parse: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "id" {
		t.Fatalf("rows = %#v", rows)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/security/events?format=xml", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("xml status = %d", rr.Code)
	}
}

func TestSecurityBlocksLifecycle(t *testing.T) {
	h, validator := newSecurityHandler(t, map[string]string{}, Dependencies{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/security/blocks", strings.NewReader(`{"address":"203.0.113.9","reason":"abuse","ttl_seconds":60}`)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !validator.IsBlocked("203.0.113.9") {
		t.Fatal("expected address to be blocked")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/security/blocks", nil))
	body := decodeBody(t, rr)
	if blocks, _ := body["blocks"].([]any); len(blocks) != 1 {
		t.Fatalf("blocks = %#v", body)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/security/blocks", strings.NewReader(`{"address":""}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty address status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/security/blocks/203.0.113.9", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/security/blocks/203.0.113.9", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rr.Code)
	}
}

func TestSecurityBlocksRequireAdminRole(t *testing.T) {
	validator, err := auth.NewStaticAPIKeyValidator("k1:alice:analyst,k2:sec:security_admin")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h, _ := newSecurityHandler(t, map[string]string{"SQLGUARD_AUTH_REQUIRED": "true"}, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
	})

	for key, want := range map[string]int{"k1": http.StatusForbidden, "k2": http.StatusCreated} {
		req := httptest.NewRequest(http.MethodPost, "/v1/security/blocks", strings.NewReader(`{"address":"192.0.2.50"}`))
		req.Header.Set("X-API-Key", key)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("key %s: status = %d, want %d", key, rr.Code, want)
		}
	}
}

func TestClearSecurityEvents(t *testing.T) {
	h, validator := newSecurityHandler(t, map[string]string{}, Dependencies{})
	validator.ValidateSQL(t.Context(), "SELECT 1", security.Caller{Address: "a"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/security/events", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing days status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/security/events?older_than_days=30", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("clear status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["deleted"] != float64(0) || body["older_than_days"] != float64(30) {
		t.Fatalf("body = %#v", body)
	}
	if events, _ := validator.RecentEvents(t.Context(), 10); len(events) != 1 {
		t.Fatalf("recent events = %d, want 1", len(events))
	}
}

type fakeArchiver struct {
	since  time.Time
	format string
	result security.ArchiveResult
}

func (f *fakeArchiver) Archive(_ context.Context, since time.Time, format string) (security.ArchiveResult, error) {
	f.since, f.format = since, format
	return f.result, nil
}

func TestArchiveSecurityEvents(t *testing.T) {
	archiver := &fakeArchiver{result: security.ArchiveResult{Key: "security/date=2026-03-01/events-1.csv", Format: "csv", EventCount: 3}}
	h, _ := newSecurityHandler(t, map[string]string{}, Dependencies{Archiver: archiver})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/security/events/archive", strings.NewReader(`{"hours":6,"format":"CSV"}`)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("archive status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if archiver.format != "csv" {
		t.Fatalf("format = %q", archiver.format)
	}
	if age := time.Since(archiver.since); age < 6*time.Hour-time.Minute || age > 6*time.Hour+time.Minute {
		t.Fatalf("since is %s ago, want about 6h", age)
	}
	if body := decodeBody(t, rr); body["event_count"] != float64(3) {
		t.Fatalf("body = %#v", body)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/security/events/archive", strings.NewReader(`{"format":"xml"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad format status = %d", rr.Code)
	}

	archiver.result = security.ArchiveResult{Format: "json"}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/security/events/archive", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("empty archive status = %d", rr.Code)
	}
}

func TestArchiveSecurityEventsNotConfigured(t *testing.T) {
	h, _ := newSecurityHandler(t, map[string]string{}, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/security/events/archive", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func quoteJSON(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
}
