package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sqlguard/sqlguard/internal/planner"
	"github.com/sqlguard/sqlguard/internal/retrieval"
)

const (
	maxSchemaPassages = 5
	maxValueHints     = 5
)

type promptInput struct {
	Query    string
	Intent   planner.Intent
	Passages []retrieval.Passage
	RowLimit int
}

func buildGenerationPrompt(in promptInput) string {
	var b strings.Builder
	b.WriteString("You convert natural language analytics requests into a single read-only SQL query.\n")
	b.WriteString("Return ONLY SQL. No markdown, no explanation.\n\n")
	writeContext(&b, in)
	fmt.Fprintf(&b, "User request:\n%s\n\n", strings.TrimSpace(in.Query))
	b.WriteString("Rules:\n")
	b.WriteString("- Use only SELECT statements.\n")
	b.WriteString("- Use only the listed tables and columns.\n")
	b.WriteString("- Keep masked placeholders such as j***1@example.com exactly as written.\n")
	fmt.Fprintf(&b, "- Add LIMIT %d unless the request asks for fewer rows.\n", in.RowLimit)
	b.WriteString("- Output a single SQL query only.\n")
	return b.String()
}

type repairInput struct {
	promptInput
	PreviousSQL string
	Error       string
}

func buildRepairPrompt(in repairInput) string {
	var b strings.Builder
	b.WriteString("You repair SQL queries that failed. Return ONLY the corrected SQL. No markdown, no explanation.\n\n")
	fmt.Fprintf(&b, "Original request:\n%s\n\n", strings.TrimSpace(in.Query))
	if strings.TrimSpace(in.PreviousSQL) != "" {
		fmt.Fprintf(&b, "Previous SQL:\n%s\n\n", strings.TrimSpace(in.PreviousSQL))
	}
	fmt.Fprintf(&b, "Error type: %s\nError details: %s\n\n", classifyError(in.Error), strings.TrimSpace(in.Error))
	writeContext(&b, in.promptInput)
	b.WriteString("Rules:\n")
	b.WriteString("- Fix the reported error.\n")
	b.WriteString("- Use only SELECT statements and the listed tables and columns.\n")
	b.WriteString("- Keep masked placeholders exactly as written.\n")
	b.WriteString("- Output a single SQL query only.\n")
	return b.String()
}

func writeContext(b *strings.Builder, in promptInput) {
	schema := make([]string, 0, maxSchemaPassages)
	hints := make([]string, 0, maxValueHints)
	for _, passage := range in.Passages {
		switch passage.Kind {
		case retrieval.KindValueHint:
			if len(hints) < maxValueHints {
				hints = append(hints, passage.Text)
			}
		default:
			if len(schema) < maxSchemaPassages {
				schema = append(schema, passage.Text)
			}
		}
	}
	if len(schema) > 0 {
		b.WriteString("Database schema:\n")
		for _, line := range schema {
			fmt.Fprintf(b, "%s\n", line)
		}
		b.WriteString("\n")
	}
	if len(in.Intent.Tables) > 0 || len(in.Intent.Operations) > 0 {
		b.WriteString("Query analysis:\n")
		fmt.Fprintf(b, "Tables: %s\n", strings.Join(in.Intent.Tables, ", "))
		fmt.Fprintf(b, "Operations: %s\n", strings.Join(in.Intent.Operations, ", "))
		for _, clarification := range in.Intent.Clarifications {
			fmt.Fprintf(b, "Clarify %q: %s\n", clarification.Term, clarification.Default)
		}
		b.WriteString("\n")
	}
	if len(hints) > 0 {
		b.WriteString("Value hints:\n")
		for _, hint := range hints {
			fmt.Fprintf(b, "- %s\n", hint)
		}
		b.WriteString("\n")
	}
}

var (
	missingTablePattern  = regexp.MustCompile(`(?i)(no such table|table .* does not exist|relation .* does not exist|catalog error: table)`)
	missingColumnPattern = regexp.MustCompile(`(?i)(no such column|column .* does not exist|referenced column|binder error)`)
	syntaxPattern        = regexp.MustCompile(`(?i)(syntax error|parser error)`)
	timeoutPattern       = regexp.MustCompile(`(?i)(timed out|timeout|deadline exceeded|canceling statement)`)
)

func classifyError(message string) string {
	switch {
	case missingTablePattern.MatchString(message):
		return "missing_table"
	case missingColumnPattern.MatchString(message):
		return "missing_column"
	case syntaxPattern.MatchString(message):
		return "syntax_error"
	case timeoutPattern.MatchString(message):
		return "timeout"
	case strings.TrimSpace(message) == "":
		return "unknown"
	default:
		return "execution_error"
	}
}

var fencePattern = regexp.MustCompile("(?s)```(?:sql|SQL)?\\s*(.*?)```")

// stripMarkdownSQL extracts the statement from a fenced block when the model
// wrapped its answer in one.
func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if match := fencePattern.FindStringSubmatch(trimmed); match != nil {
		return strings.TrimSpace(match[1])
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
