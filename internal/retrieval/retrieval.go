package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sqlguard/sqlguard/internal/dbconn"
)

type Kind string

const (
	KindSchema    Kind = "schema"
	KindValueHint Kind = "value_hint"
)

// Document is one indexable unit of schema or value context.
type Document struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Table   string `json:"table"`
	Content string `json:"content"`
}

type Passage struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Kind  Kind    `json:"kind"`
	Table string  `json:"table,omitempty"`
}

type Retriever interface {
	Retrieve(ctx context.Context, text string, k int) ([]Passage, error)
}

// Indexer loads documents into a retrieval backend.
type Indexer interface {
	Index(ctx context.Context, docs []Document) (int, error)
}

var documentNamespace = uuid.MustParse("6f1d2c8e-4a55-4b8e-9d0c-0c3b8f6f2a71")

func documentID(kind Kind, table, key string) string {
	return uuid.NewSHA1(documentNamespace, []byte(string(kind)+"/"+table+"/"+key)).String()
}

// Documents builds one schema document per table and one value-hint
// document per sampled column. samples is keyed by table then column.
func Documents(tables []dbconn.Table, samples map[string]map[string][]string) []Document {
	docs := make([]Document, 0, len(tables))
	for _, table := range tables {
		columns := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			columns = append(columns, fmt.Sprintf("%s (%s)", column.Name, strings.ToLower(column.DataType)))
		}
		docs = append(docs, Document{
			ID:      documentID(KindSchema, table.Name, ""),
			Kind:    KindSchema,
			Table:   table.Name,
			Content: fmt.Sprintf("Table %s has columns: %s", table.Name, strings.Join(columns, ", ")),
		})

		tableSamples := samples[table.Name]
		columnNames := make([]string, 0, len(tableSamples))
		for column := range tableSamples {
			columnNames = append(columnNames, column)
		}
		sort.Strings(columnNames)
		for _, column := range columnNames {
			values := tableSamples[column]
			if len(values) == 0 {
				continue
			}
			docs = append(docs, Document{
				ID:      documentID(KindValueHint, table.Name, column),
				Kind:    KindValueHint,
				Table:   table.Name,
				Content: fmt.Sprintf("Column %s.%s takes values such as: %s", table.Name, column, strings.Join(values, ", ")),
			})
		}
	}
	return docs
}

// Merge combines passage lists, keeping the best score per text, highest
// score first.
func Merge(k int, lists ...[]Passage) []Passage {
	best := map[string]Passage{}
	order := make([]string, 0)
	for _, list := range lists {
		for _, passage := range list {
			existing, ok := best[passage.Text]
			if !ok {
				order = append(order, passage.Text)
			}
			if !ok || passage.Score > existing.Score {
				best[passage.Text] = passage
			}
		}
	}
	merged := make([]Passage, 0, len(order))
	for _, text := range order {
		merged = append(merged, best[text])
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if k > 0 && len(merged) > k {
		merged = merged[:k]
	}
	return merged
}
