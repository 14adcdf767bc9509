package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sqlguard/sqlguard/internal/llm"
)

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(llm.Config{}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}

func TestGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "sqlcoder" || req.Stream || req.Prompt != "list branches" {
			t.Errorf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"response":"SELECT * FROM branches","done":true}`))
	}))
	defer server.Close()

	client, err := New(llm.Config{BaseURL: server.URL + "/", Model: "sqlcoder"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	out, err := client.Generate(context.Background(), "list branches")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out != "SELECT * FROM branches" {
		t.Fatalf("Generate() = %q", out)
	}
}

func TestGenerateStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client, _ := New(llm.Config{BaseURL: server.URL})
	_, err := client.Generate(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "status=404") {
		t.Fatalf("Generate() error = %v", err)
	}
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer server.Close()

	client, _ := New(llm.Config{BaseURL: server.URL})
	vectors, err := client.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vectors) != 2 || vectors[1][1] != 0.4 {
		t.Fatalf("vectors = %#v", vectors)
	}

	if _, err := client.Embed(context.Background(), []string{"only-one"}); err == nil {
		t.Fatal("Embed() expected count mismatch error")
	}
}
