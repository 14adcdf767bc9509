package weaviate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/sqlguard/sqlguard/internal/llm"
	"github.com/sqlguard/sqlguard/internal/retrieval"
)

type fakeWeaviate struct {
	mu           sync.Mutex
	classCreated bool
	imported     int
	searches     []string
}

func (f *fakeWeaviate) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/meta", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"1.35.2"}`))
	})
	mux.HandleFunc("GET /v1/.well-known/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/schema/{class}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.classCreated {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"class":"SchemaDocument","vectorizer":"none"}`))
	})
	mux.HandleFunc("POST /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		var class struct {
			Class      string `json:"class"`
			Vectorizer string `json:"vectorizer"`
		}
		_ = json.NewDecoder(r.Body).Decode(&class)
		if class.Class != "SchemaDocument" || class.Vectorizer != "none" {
			t.Errorf("class = %+v", class)
		}
		f.mu.Lock()
		f.classCreated = true
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"class":"SchemaDocument"}`))
	})
	mux.HandleFunc("POST /v1/batch/objects", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Objects []struct {
				ID         string         `json:"id"`
				Class      string         `json:"class"`
				Vector     []float32      `json:"vector"`
				Properties map[string]any `json:"properties"`
			} `json:"objects"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		out := make([]map[string]any, 0, len(body.Objects))
		for _, obj := range body.Objects {
			if len(obj.Vector) == 0 || obj.Properties["content"] == "" {
				t.Errorf("object missing vector or content: %+v", obj)
			}
			out = append(out, map[string]any{"id": obj.ID, "class": obj.Class, "result": map[string]any{}})
		}
		f.mu.Lock()
		f.imported += len(body.Objects)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /v1/graphql", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.searches = append(f.searches, body.Query)
		f.mu.Unlock()
		if strings.Contains(body.Query, `"value_hint"`) {
			_, _ = w.Write([]byte(`{"data":{"Get":{"SchemaDocument":[
				{"content":"Column accounts.status takes values such as: active, closed","kind":"value_hint","table":"accounts","_additional":{"certainty":0.71}}
			]}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"Get":{"SchemaDocument":[
			{"content":"Table accounts has columns: id (integer), status (varchar)","kind":"schema","table":"accounts","_additional":{"certainty":0.92}},
			{"content":"Table branches has columns: id (integer), city (varchar)","kind":"schema","table":"branches","_additional":{"certainty":0.55}}
		]}}}`))
	})
	return mux
}

func newTestStore(t *testing.T) (*Store, *fakeWeaviate) {
	t.Helper()
	fake := &fakeWeaviate{}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	store, err := New(Config{Host: parsed.Host, Scheme: parsed.Scheme}, llm.NewEcho(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store, fake
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}, llm.NewEcho(), nil); err == nil {
		t.Fatal("expected error for missing host")
	}
	if _, err := New(Config{Host: "localhost:8080"}, nil, nil); err == nil {
		t.Fatal("expected error for missing embedder")
	}
}

func TestEnsureSchemaAndIndex(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if !fake.classCreated {
		t.Fatal("class was not created")
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("second EnsureSchema() error = %v", err)
	}

	docs := []retrieval.Document{
		{ID: "0c7b3f4e-1d5a-5b9e-8c1f-2a3b4c5d6e7f", Kind: retrieval.KindSchema, Table: "accounts", Content: "Table accounts has columns: id (integer)"},
		{ID: "1c7b3f4e-1d5a-5b9e-8c1f-2a3b4c5d6e7f", Kind: retrieval.KindValueHint, Table: "accounts", Content: "Column accounts.status takes values such as: active"},
	}
	indexed, err := store.Index(ctx, docs)
	if err != nil {
		t.Fatalf("Index() error = %v", err)
	}
	if indexed != 2 || fake.imported != 2 {
		t.Fatalf("indexed = %d imported = %d", indexed, fake.imported)
	}
}

func TestRetrieveMergesKinds(t *testing.T) {
	store, fake := newTestStore(t)

	passages, err := store.Retrieve(context.Background(), "how many active accounts", 2)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(fake.searches) != 2 {
		t.Fatalf("searches = %d, want 2", len(fake.searches))
	}
	if len(passages) != 2 {
		t.Fatalf("passages = %+v", passages)
	}
	if passages[0].Kind != retrieval.KindSchema || passages[0].Score != 0.92 {
		t.Fatalf("passages[0] = %+v", passages[0])
	}
	if passages[1].Kind != retrieval.KindValueHint || passages[1].Table != "accounts" {
		t.Fatalf("passages[1] = %+v", passages[1])
	}
}
