package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlguard/sqlguard/internal/auth"
	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/history"
	"github.com/sqlguard/sqlguard/internal/observability"
	"github.com/sqlguard/sqlguard/internal/pii"
	"github.com/sqlguard/sqlguard/internal/pipeline"
	"github.com/sqlguard/sqlguard/internal/security"
	"github.com/sqlguard/sqlguard/internal/storage"
)

type ReadinessCheck func(ctx context.Context) error

type QueryRunner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

type SecurityService interface {
	ValidateSQL(ctx context.Context, sql string, caller security.Caller) security.SQLVerdict
	Report(ctx context.Context, hours int) (security.Report, error)
	RecentEvents(ctx context.Context, limit int) ([]security.Event, error)
	BlockAddress(ctx context.Context, address, reason string, ttl time.Duration) (security.Block, error)
	UnblockAddress(ctx context.Context, address string) (bool, error)
	Blocks() []security.Block
	ClearEvents(ctx context.Context, olderThanDays int) (int64, error)
}

type SecurityArchiver interface {
	Archive(ctx context.Context, since time.Time, format string) (security.ArchiveResult, error)
}

type HistoryExporter interface {
	Export(ctx context.Context, since time.Time) (history.ExportResult, error)
	Exports(ctx context.Context, day time.Time) ([]storage.Artifact, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Pipeline          QueryRunner
	Security          SecurityService
	History           history.Store
	Exporter          HistoryExporter
	Archiver          SecurityArchiver
	Sanitizer         *pii.Sanitizer
	// Sandbox holds reviewer sessions. It must not be the store used by the
	// pipeline so sandbox tokens never resolve inside a run.
	Sandbox *pii.Store
}

type route struct {
	pattern string
	admin   bool
	serve   func(Dependencies, http.ResponseWriter, *http.Request)
}

// protectedRoutes sit behind the auth middleware when auth is required.
// Admin routes additionally need the security_admin role.
var protectedRoutes = []route{
	{pattern: "POST /v1/query", serve: handleQuery},
	{pattern: "POST /v1/sql/validate", serve: handleValidateSQL},
	{pattern: "GET /v1/security/report", serve: handleSecurityReport},
	{pattern: "GET /v1/security/events", serve: handleSecurityEvents},
	{pattern: "DELETE /v1/security/events", admin: true, serve: handleClearEvents},
	{pattern: "POST /v1/security/events/archive", admin: true, serve: handleArchiveEvents},
	{pattern: "GET /v1/security/blocks", serve: handleListBlocks},
	{pattern: "POST /v1/security/blocks", admin: true, serve: handleCreateBlock},
	{pattern: "DELETE /v1/security/blocks/{address}", admin: true, serve: handleDeleteBlock},
	{pattern: "POST /v1/pii/sessions", serve: handleCreatePIISession},
	{pattern: "POST /v1/pii/sessions/{id}/sanitize", serve: handleSanitize},
	{pattern: "POST /v1/pii/sessions/{id}/unmask", serve: handleUnmask},
	{pattern: "GET /v1/pii/sessions/{id}/mappings", serve: handleMappings},
	{pattern: "DELETE /v1/pii/sessions/{id}", serve: handleDeletePIISession},
	{pattern: "GET /v1/history", serve: handleListHistory},
	{pattern: "POST /v1/history/export", serve: handleExportHistory},
	{pattern: "GET /v1/history/exports", serve: handleListExports},
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})
	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		handleReady(deps, w, r)
	})
	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	for _, rt := range protectedRoutes {
		var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt.serve(deps, w, r)
		})
		if rt.admin {
			h = auth.RequireRole(auth.RoleSecurityAdmin, h)
		}
		protected.Handle(rt.pattern, h)
	}

	gate := guard(cfg, deps, protected)
	for _, rt := range protectedRoutes {
		mux.Handle(rt.pattern, gate)
	}

	return chain(mux, observability.TraceMiddleware, observability.AccessMiddleware(deps.Logger))
}

// guard applies the configured auth middleware. A deployment that requires
// auth but wires no middleware fails every protected request.
func guard(cfg config.Config, deps Dependencies, next http.Handler) http.Handler {
	if !cfg.Auth.Required {
		return next
	}
	if deps.AuthMiddleware != nil {
		return deps.AuthMiddleware(next)
	}
	if deps.Logger != nil {
		deps.Logger.Error("auth required but no auth middleware configured")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
	})
}

func handleReady(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Readiness != nil {
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func CheckDatabaseDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Database.DSN == "" {
			return errors.New("database dsn is not configured")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// callerFromRequest prefers the authenticated identity and falls back to
// the X-Caller-ID header when auth is disabled.
func callerFromRequest(r *http.Request) (security.Caller, string) {
	caller := security.Caller{Address: observability.ClientAddress(r)}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		caller.Identity = identity.Caller
		return caller, identity.PrimaryRole()
	}
	caller.Identity = strings.TrimSpace(r.Header.Get("X-Caller-ID"))
	if caller.Identity == "" {
		caller.Identity = "anonymous"
	}
	return caller, ""
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
