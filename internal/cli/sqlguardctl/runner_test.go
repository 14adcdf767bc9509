package sqlguardctl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type capturedRequest struct {
	method   string
	path     string
	rawQuery string
	apiKey   string
	callerID string
	body     map[string]any
}

func newCaptureServer(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.rawQuery = r.URL.RawQuery
		got.apiKey = r.Header.Get("X-API-Key")
		got.callerID = r.Header.Get("X-Caller-ID")
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestRunAskCommand(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, `{"status":"succeeded"}`)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"--base-url", srv.URL,
		"--api-key", "k1",
		"--caller-id", "alice",
		"ask", "--role", "executive", "how", "many", "orders",
	}, Options{Stdout: &stdout, Stderr: &stderr, Timeout: 2 * time.Second})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if got.method != http.MethodPost || got.path != "/v1/query" {
		t.Fatalf("request = %s %s", got.method, got.path)
	}
	if got.apiKey != "k1" || got.callerID != "alice" {
		t.Fatalf("headers api_key=%q caller=%q", got.apiKey, got.callerID)
	}
	if got.body["query"] != "how many orders" || got.body["role"] != "executive" {
		t.Fatalf("body = %#v", got.body)
	}
	if !strings.Contains(stdout.String(), `"status": "succeeded"`) {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunEventsCommandPassesFormat(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, "id,timestamp\n")

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "events", "--format", "csv", "--limit", "5"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.path != "/v1/security/events" || got.rawQuery != "format=csv&limit=5" {
		t.Fatalf("request = %s?%s", got.path, got.rawQuery)
	}
	if stdout.String() != "id,timestamp\n" {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunSimpleCommands(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		path   string
	}{
		{args: []string{"health"}, method: http.MethodGet, path: "/v1/health"},
		{args: []string{"ready"}, method: http.MethodGet, path: "/v1/ready"},
		{args: []string{"validate", "SELECT", "1"}, method: http.MethodPost, path: "/v1/sql/validate"},
		{args: []string{"report", "--hours", "6"}, method: http.MethodGet, path: "/v1/security/report"},
		{args: []string{"history"}, method: http.MethodGet, path: "/v1/history"},
		{args: []string{"export", "--hours", "2"}, method: http.MethodPost, path: "/v1/history/export"},
		{args: []string{"block", "203.0.113.5", "--ttl", "1h"}, method: http.MethodPost, path: "/v1/security/blocks"},
		{args: []string{"unblock", "203.0.113.5"}, method: http.MethodDelete, path: "/v1/security/blocks/203.0.113.5"},
		{args: []string{"prune-events", "--days", "7"}, method: http.MethodDelete, path: "/v1/security/events"},
		{args: []string{"archive-events", "--format", "csv"}, method: http.MethodPost, path: "/v1/security/events/archive"},
	}
	for _, tc := range tests {
		t.Run(tc.args[0], func(t *testing.T) {
			srv, got := newCaptureServer(t, http.StatusOK, `{}`)
			args := append([]string{"--base-url", srv.URL}, tc.args...)
			if code := Run(context.Background(), args, Options{}); code != 0 {
				t.Fatalf("exit code = %d", code)
			}
			if got.method != tc.method || got.path != tc.path {
				t.Fatalf("request = %s %s", got.method, got.path)
			}
		})
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusForbidden, `{"error_code":"FORBIDDEN"}`)

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "history"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "http 403") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	for _, args := range [][]string{{}, {"unknown"}, {"ask"}, {"unblock", "a", "b"}} {
		var stderr bytes.Buffer
		code := Run(context.Background(), args, Options{Stderr: &stderr})
		if code != 2 {
			t.Fatalf("args %v: exit code = %d", args, code)
		}
		if stderr.Len() == 0 {
			t.Fatalf("args %v: expected usage output", args)
		}
	}
}
