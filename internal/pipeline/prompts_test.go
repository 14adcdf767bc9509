package pipeline

import (
	"strings"
	"testing"

	"github.com/sqlguard/sqlguard/internal/planner"
	"github.com/sqlguard/sqlguard/internal/retrieval"
)

func TestStripMarkdownSQL(t *testing.T) {
	tests := map[string]string{
		"SELECT 1":                                 "SELECT 1",
		"```sql\nSELECT 1\n```":                    "SELECT 1",
		"```\nSELECT 2\n```":                       "SELECT 2",
		"Here you go:\n```sql\nSELECT 3;\n```\nok": "SELECT 3;",
		"```sql\nSELECT 4":                         "SELECT 4",
		"  \n ":                                    "",
	}
	for input, want := range tests {
		if got := stripMarkdownSQL(input); got != want {
			t.Fatalf("stripMarkdownSQL(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := map[string]string{
		"Catalog Error: Table with name foo does not exist!": "missing_table",
		`pq: relation "foo" does not exist`:                  "missing_table",
		`column "bar" does not exist`:                        "missing_column",
		"Parser Error: syntax error at or near FROM":         "syntax_error",
		"context deadline exceeded":                          "timeout",
		"division by zero":                                   "execution_error",
		"":                                                   "unknown",
	}
	for message, want := range tests {
		if got := classifyError(message); got != want {
			t.Fatalf("classifyError(%q) = %q, want %q", message, got, want)
		}
	}
}

func TestBuildGenerationPromptSeparatesSchemaAndHints(t *testing.T) {
	prompt := buildGenerationPrompt(promptInput{
		Query: "top customers in Austin",
		Intent: planner.Intent{
			Tables:         []string{"customers"},
			Operations:     []string{"order", "limit"},
			Clarifications: []planner.Clarification{{Term: "top", Default: "order by total descending"}},
		},
		Passages: []retrieval.Passage{
			{Kind: retrieval.KindSchema, Text: "Table customers has columns: id, name, city"},
			{Kind: retrieval.KindValueHint, Text: "customers.city values: Austin, Dallas"},
		},
		RowLimit: 50,
	})
	for _, want := range []string{
		"Database schema:\nTable customers has columns: id, name, city",
		"Value hints:\n- customers.city values: Austin, Dallas",
		"Tables: customers",
		`Clarify "top": order by total descending`,
		"Add LIMIT 50",
		"User request:\ntop customers in Austin",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildRepairPromptCarriesPreviousAttempt(t *testing.T) {
	prompt := buildRepairPrompt(repairInput{
		promptInput: promptInput{Query: "orders for j***1@example.com", RowLimit: 10},
		PreviousSQL: "SELECT * FROM order_lines",
		Error:       "Catalog Error: Table with name order_lines does not exist!",
	})
	for _, want := range []string{
		"Original request:\norders for j***1@example.com",
		"Previous SQL:\nSELECT * FROM order_lines",
		"Error type: missing_table",
		"Keep masked placeholders exactly as written.",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
