package observability

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const traceHeader = "X-Trace-ID"

// unmatchedRoute labels requests the mux did not route, keeping raw paths
// out of metric labels.
const unmatchedRoute = "unmatched"

// TraceMiddleware propagates X-Trace-ID, minting one when the caller sent none.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(traceHeader))
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.NewString()
		}
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ContextWithTraceID(r.Context(), traceID)))
	})
}

// AccessMiddleware records request metrics and, when logger is non-nil,
// writes one access log line per request. It must sit inside
// TraceMiddleware and directly around the mux so the matched pattern is
// visible once the handler returns.
func AccessMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpInFlight.Inc()
			defer httpInFlight.Dec()

			started := time.Now()
			probe := &responseProbe{ResponseWriter: w}
			next.ServeHTTP(probe, r)
			elapsed := time.Since(started)
			status := probe.statusCode()
			route := routeOf(r)

			observeHTTP(r.Method, route, status, elapsed)
			if logger == nil {
				return
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("trace_id", TraceIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.String("client_addr", ClientAddress(r)),
				slog.Int("status", status),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
				slog.Int("bytes", probe.written),
			)
		})
	}
}

func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return unmatchedRoute
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

type responseProbe struct {
	http.ResponseWriter
	status  int
	written int
}

func (p *responseProbe) WriteHeader(status int) {
	if p.status == 0 {
		p.status = status
	}
	p.ResponseWriter.WriteHeader(status)
}

func (p *responseProbe) Write(body []byte) (int, error) {
	if p.status == 0 {
		p.status = http.StatusOK
	}
	n, err := p.ResponseWriter.Write(body)
	p.written += n
	return n, err
}

func (p *responseProbe) statusCode() int {
	if p.status == 0 {
		return http.StatusOK
	}
	return p.status
}

func (p *responseProbe) Unwrap() http.ResponseWriter {
	return p.ResponseWriter
}

// ClientAddress returns the first X-Forwarded-For hop, falling back to the
// host part of RemoteAddr.
func ClientAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
