package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sqlguard/sqlguard/internal/auth"
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/pipeline"
)

func TestProbeEndpoints(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		readiness ReadinessCheck
		status    int
		code      string
	}{
		{name: "health", path: "/v1/health", status: http.StatusOK},
		{name: "ready without checks", path: "/v1/ready", status: http.StatusOK},
		{
			name:      "ready with passing check",
			path:      "/v1/ready",
			readiness: func(context.Context) error { return nil },
			status:    http.StatusOK,
		},
		{
			name:      "ready with failing check",
			path:      "/v1/ready",
			readiness: func(context.Context) error { return errors.New("audit db unreachable") },
			status:    http.StatusServiceUnavailable,
			code:      "NOT_READY",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(loadTestConfig(t, nil), Dependencies{Readiness: tt.readiness})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if rr.Header().Get("X-Trace-ID") == "" {
				t.Fatal("missing X-Trace-ID header")
			}
			if tt.code == "" {
				return
			}
			body := decodeBody(t, rr)
			if body["error_code"] != tt.code || body["retryable"] != true {
				t.Fatalf("body = %#v", body)
			}
		})
	}
}

func TestReadinessHonoursDependencyTimeout(t *testing.T) {
	var deadlineSet bool
	h := NewHandler(loadTestConfig(t, nil), Dependencies{
		Readiness: func(ctx context.Context) error {
			_, deadlineSet = ctx.Deadline()
			return nil
		},
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
	if !deadlineSet {
		t.Fatal("readiness check should run under a deadline")
	}
}

func TestProtectedRoutesRequireCredentials(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"SQLGUARD_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:alice:analyst")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	h := NewHandler(cfg, Dependencies{AuthMiddleware: auth.Middleware(nil, validator)})

	for _, rt := range protectedRoutes {
		method, path, _ := strings.Cut(rt.pattern, " ")
		path = strings.NewReplacer("{id}", "s1", "{address}", "10.0.0.1").Replace(path)

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without key: status = %d", rt.pattern, rr.Code)
		}
	}
}

func TestQueryRunsAsAuthenticatedCaller(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"SQLGUARD_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:alice:analyst")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	runner := &fakeRunner{result: pipeline.Result{RunID: "r1", Status: pipeline.StatusSucceeded}}
	h := NewHandler(cfg, Dependencies{AuthMiddleware: auth.Middleware(nil, validator), Pipeline: runner})

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"query":"count orders"}`))
	req.Header.Set("Authorization", "Bearer k1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if len(runner.requests) != 1 {
		t.Fatalf("requests = %#v", runner.requests)
	}
	if got := runner.requests[0]; got.Caller != "alice" || got.Role != "analyst" {
		t.Fatalf("request caller/role = %q/%q", got.Caller, got.Role)
	}
}

func TestAdminRoutesRejectNonAdmins(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"SQLGUARD_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:alice:analyst")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	h := NewHandler(cfg, Dependencies{AuthMiddleware: auth.Middleware(nil, validator)})

	for _, rt := range protectedRoutes {
		if !rt.admin {
			continue
		}
		method, path, _ := strings.Cut(rt.pattern, " ")
		path = strings.ReplaceAll(path, "{address}", "10.0.0.1")
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-API-Key", "k1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Errorf("%s as analyst: status = %d", rt.pattern, rr.Code)
		}
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"SQLGUARD_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{Pipeline: &fakeRunner{}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"query":"x"}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "AUTH_MIDDLEWARE_MISSING" {
		t.Fatalf("body = %#v", body)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	var calls []string
	check := func(name string, err error) ReadinessCheck {
		return func(context.Context) error {
			calls = append(calls, name)
			return err
		}
	}
	combined := CombineReadinessChecks(check("db", nil), nil, check("audit", errors.New("down")), check("store", nil))

	if err := combined(t.Context()); err == nil {
		t.Fatal("expected error")
	}
	if strings.Join(calls, ",") != "db,audit" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestConfigReadinessChecks(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	cfg.Database.DSN = ""
	if err := CheckDatabaseDSN(cfg)(t.Context()); err == nil {
		t.Fatal("expected database dsn error")
	}

	cfg.ObjectStore.Endpoint = "localhost:9000"
	cfg.ObjectStore.Bucket = ""
	if err := CheckObjectStoreConfig(cfg)(t.Context()); err == nil {
		t.Fatal("expected bucket error")
	}
	cfg.ObjectStore.Bucket = "sqlguard"
	if err := CheckObjectStoreConfig(cfg)(t.Context()); err != nil {
		t.Fatalf("CheckObjectStoreConfig() error = %v", err)
	}
}

func loadTestConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("sqlguard-api", func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}
