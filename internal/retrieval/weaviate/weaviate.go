package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"golang.org/x/sync/errgroup"

	"github.com/sqlguard/sqlguard/internal/llm"
	"github.com/sqlguard/sqlguard/internal/retrieval"
)

const (
	DefaultClass = "SchemaDocument"
	batchSize    = 100
)

type Config struct {
	Host   string
	Scheme string
	Class  string
}

// Store indexes documents with embedder vectors and searches them by
// near-vector similarity.
type Store struct {
	client   *weaviate.Client
	embedder llm.Embedder
	class    string
	logger   *slog.Logger
}

func New(cfg Config, embedder llm.Embedder, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("weaviate host is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	class := cfg.Class
	if class == "" {
		class = DefaultClass
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &Store{client: client, embedder: embedder, class: class, logger: logger}, nil
}

// EnsureSchema creates the document class when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.Schema().ClassGetter().WithClassName(s.class).Do(ctx); err == nil {
		return nil
	}
	class := &models.Class{
		Class:       s.class,
		Description: "Schema and value-hint passages for SQL generation",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "kind", DataType: []string{"text"}},
			{Name: "table", DataType: []string{"text"}},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class %q: %w", s.class, err)
	}
	s.logger.InfoContext(ctx, "weaviate class created", "class", s.class)
	return nil
}

// Index embeds and batch-imports docs, returning the number accepted.
func (s *Store) Index(ctx context.Context, docs []retrieval.Document) (int, error) {
	indexed := 0
	for start := 0; start < len(docs); start += batchSize {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		texts := make([]string, len(batch))
		for i, doc := range batch {
			texts[i] = doc.Content
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return indexed, fmt.Errorf("embed documents: %w", err)
		}
		if len(vectors) != len(batch) {
			return indexed, fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(batch))
		}

		objects := make([]*models.Object, len(batch))
		for i, doc := range batch {
			objects[i] = &models.Object{
				Class:  s.class,
				ID:     strfmt.UUID(doc.ID),
				Vector: vectors[i],
				Properties: map[string]any{
					"content": doc.Content,
					"kind":    string(doc.Kind),
					"table":   doc.Table,
				},
			}
		}

		result, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return indexed, fmt.Errorf("batch import: %w", err)
		}
		for _, obj := range result {
			if obj.Result != nil && obj.Result.Errors != nil {
				s.logger.WarnContext(ctx, "weaviate object rejected", "id", string(obj.ID))
				continue
			}
			indexed++
		}
	}
	return indexed, nil
}

// Retrieve searches schema and value-hint passages concurrently and merges
// them by certainty.
func (s *Store) Retrieve(ctx context.Context, text string, k int) ([]retrieval.Passage, error) {
	if k <= 0 {
		k = 5
	}
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for query", len(vectors))
	}

	kinds := []retrieval.Kind{retrieval.KindSchema, retrieval.KindValueHint}
	results := make([][]retrieval.Passage, len(kinds))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		group.Go(func() error {
			passages, err := s.search(groupCtx, vectors[0], kind, k)
			if err != nil {
				return err
			}
			results[i] = passages
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return retrieval.Merge(k, results...), nil
}

type searchResponse struct {
	Get map[string][]struct {
		Content    string `json:"content"`
		Kind       string `json:"kind"`
		Table      string `json:"table"`
		Additional struct {
			Certainty float64 `json:"certainty"`
		} `json:"_additional"`
	} `json:"Get"`
}

func (s *Store) search(ctx context.Context, vector []float32, kind retrieval.Kind, k int) ([]retrieval.Passage, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	where := filters.Where().
		WithPath([]string{"kind"}).
		WithOperator(filters.Equal).
		WithValueString(string(kind))
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "kind"},
		{Name: "table"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(fields...).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search %s: %w", kind, err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search %s: %s", kind, resp.Errors[0].Message)
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("encode weaviate response: %w", err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode weaviate response: %w", err)
	}

	items := parsed.Get[s.class]
	passages := make([]retrieval.Passage, 0, len(items))
	for _, item := range items {
		passages = append(passages, retrieval.Passage{
			Text:  item.Content,
			Score: item.Additional.Certainty,
			Kind:  retrieval.Kind(item.Kind),
			Table: item.Table,
		})
	}
	return passages, nil
}
