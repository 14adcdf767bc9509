package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticAPIKeyValidatorParsing(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:alice:manager|analyst, k2:bob:auditor")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	if validator.Len() != 2 {
		t.Fatalf("Len() = %d", validator.Len())
	}
	identity, ok := validator.Validate(context.Background(), "k1")
	if !ok {
		t.Fatal("expected key to be valid")
	}
	if identity.Caller != "alice" {
		t.Fatalf("Caller = %q", identity.Caller)
	}
	if !identity.HasRole(RoleManager) || !identity.HasRole(RoleAnalyst) {
		t.Fatalf("Roles = %v", identity.Roles)
	}
	if identity.PrimaryRole() != RoleManager {
		t.Fatalf("PrimaryRole() = %q", identity.PrimaryRole())
	}
	if _, ok := validator.Validate(context.Background(), "k3"); ok {
		t.Fatal("unknown key should not validate")
	}
}

func TestStaticAPIKeyValidatorRejectsBadSpec(t *testing.T) {
	for _, spec := range []string{"invalid", "k1::analyst", "k1:alice:", "k1:a:analyst,k1:b:auditor", "k1:alice:superuser"} {
		if _, err := NewStaticAPIKeyValidator(spec); err == nil {
			t.Fatalf("expected parse error for %q", spec)
		}
	}
}

func TestPrimaryRoleSkipsAdministrativeRoles(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:sec:security_admin|Auditor,k2:ops:security_admin")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	sec, _ := validator.Validate(context.Background(), "k1")
	if sec.PrimaryRole() != RoleAuditor || !sec.HasRole(RoleSecurityAdmin) {
		t.Fatalf("identity = %+v", sec)
	}
	ops, _ := validator.Validate(context.Background(), "k2")
	if ops.PrimaryRole() != "" {
		t.Fatalf("PrimaryRole() = %q", ops.PrimaryRole())
	}
}

func TestMiddlewareRequiresKey(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:alice:analyst")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil)), validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/query", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate challenge")
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:alice:analyst")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(nil, validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if identity.Caller != "alice" {
			t.Fatalf("Caller = %q", identity.Caller)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, header := range [][2]string{{"X-API-Key", "k1"}, {"Authorization", "bearer k1"}} {
		req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
		req.Header.Set(header[0], header[1])
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: status = %d", header[0], rr.Code)
		}
	}
}

func TestRequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := RequireRole(RoleSecurityAdmin, next)

	tests := []struct {
		name     string
		identity *Identity
		want     int
	}{
		{name: "no identity", want: http.StatusNoContent},
		{name: "missing role", identity: &Identity{Caller: "alice", Roles: []string{RoleAnalyst}}, want: http.StatusForbidden},
		{name: "has role", identity: &Identity{Caller: "sec", Roles: []string{RoleSecurityAdmin}}, want: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/security/blocks", nil)
			if tc.identity != nil {
				req = req.WithContext(WithIdentity(req.Context(), *tc.identity))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}
		})
	}
}
