package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// MemoryRetriever scores documents by the share of query terms they contain.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs []indexedDocument
}

type indexedDocument struct {
	doc   Document
	terms map[string]struct{}
}

func NewMemoryRetriever(docs []Document) *MemoryRetriever {
	r := &MemoryRetriever{}
	_, _ = r.Index(context.Background(), docs)
	return r
}

// Index replaces documents with matching ids and appends the rest.
func (r *MemoryRetriever) Index(_ context.Context, docs []Document) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	positions := make(map[string]int, len(r.docs))
	for i, existing := range r.docs {
		positions[existing.doc.ID] = i
	}
	for _, doc := range docs {
		indexed := indexedDocument{doc: doc, terms: termSet(doc.Content)}
		if i, ok := positions[doc.ID]; ok && doc.ID != "" {
			r.docs[i] = indexed
			continue
		}
		positions[doc.ID] = len(r.docs)
		r.docs = append(r.docs, indexed)
	}
	return len(docs), nil
}

func (r *MemoryRetriever) Retrieve(ctx context.Context, text string, k int) ([]Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := termSet(text)
	if len(query) == 0 {
		return []Passage{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	passages := make([]Passage, 0)
	for _, indexed := range r.docs {
		matched := 0
		for term := range query {
			if _, ok := indexed.terms[term]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		passages = append(passages, Passage{
			Text:  indexed.doc.Content,
			Score: float64(matched) / float64(len(query)),
			Kind:  indexed.doc.Kind,
			Table: indexed.doc.Table,
		})
	}
	sort.SliceStable(passages, func(i, j int) bool { return passages[i].Score > passages[j].Score })
	if k > 0 && len(passages) > k {
		passages = passages[:k]
	}
	return passages, nil
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "in": {}, "on": {}, "for": {}, "to": {}, "and": {},
	"or": {}, "by": {}, "with": {}, "is": {}, "are": {}, "was": {}, "what": {}, "how": {},
	"many": {}, "show": {}, "me": {}, "list": {}, "all": {}, "which": {}, "has": {}, "have": {},
	"table": {}, "columns": {}, "column": {}, "takes": {}, "values": {}, "such": {}, "as": {},
}

// Terms splits text into lowercase terms without stopwords; plural
// forms also contribute their singular.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if _, skip := stopwords[field]; skip || len(field) < 2 {
			continue
		}
		out = append(out, field)
		if singular := Singular(field); singular != field {
			out = append(out, singular)
		}
		if strings.Contains(field, "_") {
			for _, part := range strings.Split(field, "_") {
				if len(part) >= 2 {
					out = append(out, part, Singular(part))
				}
			}
		}
	}
	return out
}

func Singular(term string) string {
	switch {
	case strings.HasSuffix(term, "ies") && len(term) > 4:
		return strings.TrimSuffix(term, "ies") + "y"
	case strings.HasSuffix(term, "ches"), strings.HasSuffix(term, "shes"), strings.HasSuffix(term, "sses"):
		return strings.TrimSuffix(term, "es")
	case strings.HasSuffix(term, "ss"), strings.HasSuffix(term, "us"), strings.HasSuffix(term, "is"):
		return term
	case strings.HasSuffix(term, "s") && len(term) > 3:
		return strings.TrimSuffix(term, "s")
	default:
		return term
	}
}

func termSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, term := range Terms(text) {
		set[term] = struct{}{}
	}
	return set
}
