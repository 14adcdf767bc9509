package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sqlguard/sqlguard/internal/llm"
)

const defaultPreviewRows = 20

// LLMSummarizer turns sanitized result rows into a short answer.
type LLMSummarizer struct {
	generator   llm.Generator
	previewRows int
}

func NewLLMSummarizer(generator llm.Generator, previewRows int) *LLMSummarizer {
	if previewRows <= 0 {
		previewRows = defaultPreviewRows
	}
	return &LLMSummarizer{generator: generator, previewRows: previewRows}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, in SummaryInput) (string, error) {
	if in.RowCount == 0 {
		return noRowsSummary(in.Query), nil
	}
	preview := in.Rows
	if len(preview) > s.previewRows {
		preview = preview[:s.previewRows]
	}
	rowsJSON, err := json.Marshal(preview)
	if err != nil {
		return "", fmt.Errorf("marshal result preview: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Answer the question using only the query result below. %s\n", roleStyle(in.Role))
	b.WriteString("Keep masked placeholders such as j***1@example.com exactly as written.\n\n")
	fmt.Fprintf(&b, "Question:\n%s\n\n", strings.TrimSpace(in.Query))
	fmt.Fprintf(&b, "SQL:\n%s\n\n", strings.TrimSpace(in.SQL))
	fmt.Fprintf(&b, "Columns: %s\nRows returned: %d", strings.Join(in.Columns, ", "), in.RowCount)
	if in.Truncated {
		b.WriteString(" (truncated)")
	}
	fmt.Fprintf(&b, "\nRows (JSON):\n%s\n", rowsJSON)

	summary, err := s.generator.Generate(ctx, b.String())
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}

func roleStyle(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "executive", "manager":
		return "Reply in at most two sentences focused on the headline figure."
	case "analyst":
		return "Reply with the key figures, notable outliers and how the rows were filtered."
	case "auditor", "compliance":
		return "Reply factually and mention the filters the SQL applied."
	default:
		return "Reply in plain language in a short paragraph."
	}
}

// StaticSummarizer describes results without a model call.
type StaticSummarizer struct{}

func (StaticSummarizer) Summarize(_ context.Context, in SummaryInput) (string, error) {
	switch {
	case in.RowCount == 0:
		return noRowsSummary(in.Query), nil
	case in.RowCount == 1:
		return fmt.Sprintf("Found 1 result for %q.", strings.TrimSpace(in.Query)), nil
	case in.Truncated:
		return fmt.Sprintf("Found more than %d results for %q; showing the first %d.", in.RowCount, strings.TrimSpace(in.Query), in.RowCount), nil
	default:
		return fmt.Sprintf("Found %d results for %q.", in.RowCount, strings.TrimSpace(in.Query)), nil
	}
}

func noRowsSummary(query string) string {
	return fmt.Sprintf("No data matches %q. Try refining the question.", strings.TrimSpace(query))
}
