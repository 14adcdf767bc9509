package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Pattern binds a regular expression to a category. When Group is positive
// only that capture group is treated as the sensitive value.
type Pattern struct {
	Name     string
	Category Category
	Regex    *regexp.Regexp
	Group    int
}

type Span struct {
	Category Category
	Value    string
	Start    int
	End      int
}

var builtinPatterns = []Pattern{
	{Name: "ssn", Category: CategorySSN, Regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{Name: "credit_card", Category: CategoryCreditCard, Regex: regexp.MustCompile(`\b(?:\d{4}[- ]?){3}\d{4}\b`)},
	{Name: "email", Category: CategoryEmail, Regex: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{Name: "phone", Category: CategoryPhone, Regex: regexp.MustCompile(`(?:\+?1[-. ]?)?(?:\(\d{3}\) ?|\b\d{3}[-. ])\d{3}[-. ]\d{4}\b`)},
	{
		Name:     "date_of_birth",
		Category: CategoryDateOfBirth,
		Regex:    regexp.MustCompile(`(?i:date of birth|birth ?date|dob|born(?: on)?)\s*[:=]?\s*((?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/(?:19|20)\d{2}|(?:19|20)\d{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01]))\b`),
		Group:    1,
	},
	{Name: "street_address", Category: CategoryAddress, Regex: regexp.MustCompile(`\b\d{1,5}(?: [A-Z][a-z]+)+ (?:` + streetSuffixes + `)\b`)},
	{Name: "labelled_name", Category: CategoryName, Regex: regexp.MustCompile(`(?:[Nn]ame|NAME)\s*[:=]\s*([A-Z][a-z]+(?: [A-Z][a-z]+){1,2})\b`), Group: 1},
	{Name: "titled_name", Category: CategoryName, Regex: regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Dr)\.? ([A-Z][a-z]+(?: [A-Z][a-z]+)?)\b`), Group: 1},
}

// CompilePattern validates an operator supplied pattern.
func CompilePattern(name, category, expr string) (Pattern, error) {
	if strings.TrimSpace(name) == "" {
		return Pattern{}, fmt.Errorf("pattern name is required")
	}
	parsed, err := ParseCategory(strings.TrimSpace(category))
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %q: %w", name, err)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %q: invalid regex: %w", name, err)
	}
	group := 0
	if re.NumSubexp() > 0 {
		group = 1
	}
	return Pattern{Name: name, Category: parsed, Regex: re, Group: group}, nil
}

type Detector struct {
	patterns []Pattern
}

func NewDetector(extra ...Pattern) *Detector {
	patterns := make([]Pattern, 0, len(builtinPatterns)+len(extra))
	patterns = append(patterns, builtinPatterns...)
	patterns = append(patterns, extra...)
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Category.priority() < patterns[j].Category.priority()
	})
	return &Detector{patterns: patterns}
}

// Scan returns non-overlapping sensitive spans ordered by position. Text that
// already has the shape of a mask token is never reported, and neither is a
// masked span glued to a following word character, since its token would
// absorb that character and stop resolving.
func (d *Detector) Scan(content string) []Span {
	tokens := findTokens(content)
	var spans []Span
	for _, pattern := range d.patterns {
		for _, loc := range pattern.Regex.FindAllStringSubmatchIndex(content, -1) {
			start, end := loc[0], loc[1]
			if pattern.Group > 0 && len(loc) > 2*pattern.Group+1 {
				start, end = loc[2*pattern.Group], loc[2*pattern.Group+1]
			}
			if start < 0 || start >= end {
				continue
			}
			if !pattern.Category.Removed() && runsIntoWord(content, end) {
				continue
			}
			if overlapsToken(tokens, start, end) || overlapsSpan(spans, start, end) {
				continue
			}
			spans = append(spans, Span{Category: pattern.Category, Value: content[start:end], Start: start, End: end})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

func runsIntoWord(content string, end int) bool {
	if end <= 0 || end >= len(content) {
		return false
	}
	return isWordByte(content[end-1]) && isWordByte(content[end])
}

func isWordByte(b byte) bool {
	return b == '_' || '0' <= b && b <= '9' || 'a' <= b && b <= 'z' || 'A' <= b && b <= 'Z'
}

func overlapsSpan(spans []Span, start, end int) bool {
	for _, span := range spans {
		if start < span.End && span.Start < end {
			return true
		}
	}
	return false
}
