package planner

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/sqlguard/sqlguard/internal/dbconn"
	"github.com/sqlguard/sqlguard/internal/faults"
	"github.com/sqlguard/sqlguard/internal/retrieval"
)

type Clarification struct {
	Field   string `json:"field"`
	Term    string `json:"term"`
	Prompt  string `json:"prompt"`
	Default string `json:"default"`
}

// Intent is the structured reading of a natural-language query.
type Intent struct {
	Tables         []string        `json:"tables"`
	Operations     []string        `json:"operations"`
	Clarifications []Clarification `json:"clarifications"`
	Steps          []string        `json:"steps"`
}

type Planner interface {
	Plan(ctx context.Context, query string) (Intent, error)
}

var operationKeywords = []struct {
	operation string
	phrases   []string
}{
	{"aggregate", []string{"average", "avg", "sum", "count", "total", "number of", "how many", "mean"}},
	{"exists", []string{"both", "either", "have both", "at least one"}},
	{"window", []string{"consecutive", "lag", "lead", "running total", "rank"}},
	{"weekend", []string{"weekend", "weekends", "saturday", "sunday"}},
	{"date_filter", []string{"q1", "q2", "q3", "q4", "quarter", "year", "month", "week", "today", "yesterday", "since", "before", "after", "between"}},
	{"threshold", []string{"greater than", "less than", "above", "below", "minimum", "maximum", "at least", "more than", "over", "under"}},
	{"join", []string{"handled by", "manager", "managed by", "belonging to", "per branch", "by branch", "for each"}},
	{"order", []string{"highest", "lowest", "largest", "smallest", "sorted", "order by", "ranked"}},
	{"limit", []string{"top", "first", "bottom"}},
}

var ambiguousTerms = []Clarification{
	{Field: "date_range", Term: "recent", Prompt: "What date range does 'recent' mean?", Default: "last 30 days"},
	{Field: "date_range", Term: "lately", Prompt: "What date range does 'lately' mean?", Default: "last 30 days"},
	{Field: "limit", Term: "top", Prompt: "How many rows should 'top' return?", Default: "10"},
	{Field: "ranking", Term: "best", Prompt: "Which measure defines 'best'?", Default: "highest balance"},
	{Field: "min_amount", Term: "large", Prompt: "What amount counts as 'large'?", Default: "10000"},
	{Field: "min_balance", Term: "high value", Prompt: "What minimum balance counts as 'high value'?", Default: "20000"},
	{Field: "min_balance", Term: "wealthy", Prompt: "What minimum balance counts as 'wealthy'?", Default: "20000"},
}

var numberPattern = regexp.MustCompile(`\b\d{2,}\b`)

var defaultSteps = []string{"plan", "retrieve", "generate", "validate", "execute", "summarize"}

// KeywordPlanner detects tables, operations and ambiguous terms with
// keyword rules over the known schema.
type KeywordPlanner struct {
	tables []dbconn.Table
}

func NewKeywordPlanner(tables []dbconn.Table) *KeywordPlanner {
	return &KeywordPlanner{tables: tables}
}

func (p *KeywordPlanner) Plan(ctx context.Context, query string) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	if strings.TrimSpace(query) == "" {
		return Intent{}, faults.Inputf("plan", "query must not be empty")
	}
	normalized := " " + normalize(query) + " "
	intent := Intent{
		Tables:         p.detectTables(query),
		Operations:     detectOperations(normalized),
		Clarifications: detectClarifications(normalized, query),
		Steps:          append([]string(nil), defaultSteps...),
	}
	return intent, nil
}

func (p *KeywordPlanner) detectTables(query string) []string {
	terms := map[string]struct{}{}
	for _, term := range retrieval.Terms(query) {
		terms[term] = struct{}{}
	}
	found := make([]string, 0)
	for _, table := range p.tables {
		name := strings.ToLower(table.Name)
		candidates := []string{name, retrieval.Singular(name)}
		for _, part := range strings.Split(name, "_") {
			if len(part) > 3 {
				candidates = append(candidates, part, retrieval.Singular(part))
			}
		}
		for _, candidate := range candidates {
			if _, ok := terms[candidate]; ok {
				found = append(found, table.Name)
				break
			}
		}
	}
	if len(found) == 0 {
		for _, table := range p.tables {
			found = append(found, table.Name)
		}
	}
	return found
}

func detectOperations(normalized string) []string {
	operations := make([]string, 0)
	for _, rule := range operationKeywords {
		for _, phrase := range rule.phrases {
			if strings.Contains(normalized, " "+phrase+" ") {
				operations = append(operations, rule.operation)
				break
			}
		}
	}
	sort.Strings(operations)
	return operations
}

func detectClarifications(normalized, raw string) []Clarification {
	clarifications := make([]Clarification, 0)
	seen := map[string]bool{}
	hasNumber := numberPattern.MatchString(raw)
	for _, candidate := range ambiguousTerms {
		if seen[candidate.Field] || !strings.Contains(normalized, " "+candidate.Term+" ") {
			continue
		}
		if hasNumber && candidate.Field != "ranking" {
			continue
		}
		clarifications = append(clarifications, candidate)
		seen[candidate.Field] = true
	}
	return clarifications
}

func normalize(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}
