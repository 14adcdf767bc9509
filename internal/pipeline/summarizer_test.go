package pipeline

import (
	"context"
	"strings"
	"testing"
)

type promptRecorder struct {
	prompt string
	reply  string
}

func (p *promptRecorder) Generate(_ context.Context, prompt string) (string, error) {
	p.prompt = prompt
	return p.reply, nil
}

func TestLLMSummarizerCapsPreviewAndAppliesRoleStyle(t *testing.T) {
	gen := &promptRecorder{reply: "  Three orders.  "}
	s := NewLLMSummarizer(gen, 2)

	rows := []map[string]any{{"id": 1}, {"id": 2}, {"id": 3}}
	summary, err := s.Summarize(t.Context(), SummaryInput{
		Query:     "how many orders",
		SQL:       "SELECT id FROM orders",
		Role:      "Executive",
		Columns:   []string{"id"},
		Rows:      rows,
		RowCount:  3,
		Truncated: true,
	})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary != "Three orders." {
		t.Fatalf("summary = %q", summary)
	}
	if strings.Contains(gen.prompt, `"id":3`) {
		t.Fatalf("prompt should only carry the preview rows:\n%s", gen.prompt)
	}
	for _, want := range []string{"at most two sentences", "Rows returned: 3 (truncated)", "SELECT id FROM orders"} {
		if !strings.Contains(gen.prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, gen.prompt)
		}
	}
}

func TestLLMSummarizerSkipsModelForZeroRows(t *testing.T) {
	gen := &promptRecorder{reply: "unused"}
	summary, err := NewLLMSummarizer(gen, 0).Summarize(t.Context(), SummaryInput{Query: "refunds in 1990"})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if gen.prompt != "" {
		t.Fatal("generator should not be called for an empty result")
	}
	if !strings.Contains(summary, "No data matches") {
		t.Fatalf("summary = %q", summary)
	}
}

func TestLLMSummarizerRejectsEmptyReply(t *testing.T) {
	gen := &promptRecorder{reply: "   "}
	_, err := NewLLMSummarizer(gen, 0).Summarize(t.Context(), SummaryInput{Query: "q", RowCount: 1, Rows: []map[string]any{{"a": 1}}})
	if err == nil {
		t.Fatal("expected error for empty summary")
	}
}

func TestStaticSummarizer(t *testing.T) {
	tests := []struct {
		in   SummaryInput
		want string
	}{
		{SummaryInput{Query: "q", RowCount: 0}, `No data matches "q". Try refining the question.`},
		{SummaryInput{Query: "q", RowCount: 1}, `Found 1 result for "q".`},
		{SummaryInput{Query: "q", RowCount: 5}, `Found 5 results for "q".`},
		{SummaryInput{Query: "q", RowCount: 200, Truncated: true}, `Found more than 200 results for "q"; showing the first 200.`},
	}
	for _, tt := range tests {
		got, err := StaticSummarizer{}.Summarize(t.Context(), tt.in)
		if err != nil {
			t.Fatalf("Summarize() error = %v", err)
		}
		if got != tt.want {
			t.Fatalf("Summarize(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
