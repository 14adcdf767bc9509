package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const removedMarker = "[REDACTED]"

var streetSuffixes = `Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way|Place|Pl`

// tokenPatterns recognise minted mask tokens. Order matters: the email shape
// contains a name-like prefix, so it is matched first.
var tokenPatterns = []struct {
	category Category
	re       *regexp.Regexp
}{
	{CategoryEmail, regexp.MustCompile(`[A-Za-z0-9]\*{3}\d+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{CategoryDateOfBirth, regexp.MustCompile(`\*\*/\*\*/\d{4,}`)},
	{CategoryPhone, regexp.MustCompile(`\*{3}-\*{3}-\d{4,}`)},
	{CategoryAddress, regexp.MustCompile(`\*{3}\d+ (?:` + streetSuffixes + `)\b`)},
	{CategoryName, regexp.MustCompile(`\b[A-Z]\*{3}(?: [A-Z]\*{3})*\d+`)},
}

type tokenSpan struct {
	Category Category
	Token    string
	Start    int
	End      int
}

// findTokens returns non-overlapping mask tokens in content sorted by position.
func findTokens(content string) []tokenSpan {
	var spans []tokenSpan
	for _, pattern := range tokenPatterns {
		for _, loc := range pattern.re.FindAllStringIndex(content, -1) {
			candidate := tokenSpan{Category: pattern.category, Token: content[loc[0]:loc[1]], Start: loc[0], End: loc[1]}
			if overlapsToken(spans, candidate.Start, candidate.End) {
				continue
			}
			spans = append(spans, candidate)
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

func overlapsToken(spans []tokenSpan, start, end int) bool {
	for _, span := range spans {
		if start < span.End && span.Start < end {
			return true
		}
	}
	return false
}

// mintToken builds the format-preserving placeholder for value.
func mintToken(category Category, value string, seq int) string {
	switch category {
	case CategoryEmail:
		local, domain, ok := strings.Cut(value, "@")
		if !ok {
			domain = "masked.invalid"
		}
		return fmt.Sprintf("%c***%d@%s", leadingAlnum(local, 'x'), seq, domain)
	case CategoryPhone:
		return fmt.Sprintf("***-***-%04d", seq)
	case CategoryDateOfBirth:
		return fmt.Sprintf("**/**/%04d", seq)
	case CategoryAddress:
		fields := strings.Fields(value)
		suffix := "Street"
		if len(fields) > 0 {
			suffix = strings.TrimSuffix(fields[len(fields)-1], ".")
		}
		return fmt.Sprintf("***%d %s", seq, suffix)
	case CategoryName:
		fields := strings.Fields(value)
		parts := make([]string, 0, len(fields))
		for _, field := range fields {
			parts = append(parts, string(unicode.ToUpper(leadingAlnum(field, 'X')))+"***")
		}
		if len(parts) == 0 {
			parts = append(parts, "X***")
		}
		return strings.Join(parts, " ") + fmt.Sprint(seq)
	default:
		return removedMarker
	}
}

func leadingAlnum(value string, fallback rune) rune {
	r, _ := utf8.DecodeRuneInString(value)
	if r == utf8.RuneError || r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
		return fallback
	}
	return r
}
