package pii

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sqlguard/sqlguard/internal/faults"
	"github.com/sqlguard/sqlguard/internal/observability"
)

var (
	ErrInvalidInput = errors.New("content must be valid UTF-8 text")
	ErrNoSession    = errors.New("no active mapping session")
)

type Finding struct {
	Category Category  `json:"type"`
	Value    string    `json:"value"`
	Start    int       `json:"start"`
	End      int       `json:"end"`
	Risk     RiskLevel `json:"risk_level"`
}

type Findings struct {
	Detected   bool       `json:"detected"`
	Categories []Category `json:"pii_types"`
	Risk       RiskLevel  `json:"risk_level"`
	Items      []Finding  `json:"sensitive_data"`
	ContextTag string     `json:"context"`
}

type SanitizeReport struct {
	SessionID       string     `json:"session_id"`
	ContextTag      string     `json:"context"`
	OriginalLength  int        `json:"original_length"`
	SanitizedLength int        `json:"sanitized_length"`
	Removed         int        `json:"pii_removed"`
	Masked          int        `json:"pii_masked"`
	Categories      []Category `json:"pii_types"`
	Risk            RiskLevel  `json:"risk_level"`
}

type UnmaskReport struct {
	SessionID  string   `json:"session_id"`
	NoSession  bool     `json:"no_session"`
	Restored   int      `json:"unmasked_count"`
	Unresolved []string `json:"unresolved_tokens"`
	Errors     []string `json:"errors"`
}

// Err returns a mapping-resolution fault when any token stayed unresolved.
func (r UnmaskReport) Err() error {
	if len(r.Unresolved) == 0 {
		return nil
	}
	return faults.MappingResolution("unmask", fmt.Errorf("%d unresolved token(s)", len(r.Unresolved)))
}

type Sanitizer struct {
	detector atomic.Pointer[Detector]
	now      func() time.Time
}

func NewSanitizer(extra ...Pattern) *Sanitizer {
	s := &Sanitizer{now: time.Now}
	s.detector.Store(NewDetector(extra...))
	return s
}

// SetPatterns swaps the operator supplied patterns; built-ins always apply.
func (s *Sanitizer) SetPatterns(extra []Pattern) {
	s.detector.Store(NewDetector(extra...))
}

func (s *Sanitizer) Detect(content, contextTag string) (Findings, error) {
	if err := validateText(content); err != nil {
		return Findings{}, err
	}
	spans := s.detector.Load().Scan(content)
	findings := Findings{Risk: RiskNone, ContextTag: contextTag, Items: make([]Finding, 0, len(spans))}
	seen := map[Category]bool{}
	for _, span := range spans {
		findings.Items = append(findings.Items, Finding{
			Category: span.Category,
			Value:    span.Value,
			Start:    span.Start,
			End:      span.End,
			Risk:     span.Category.Risk(),
		})
		findings.Risk = maxRisk(findings.Risk, span.Category.Risk())
		seen[span.Category] = true
	}
	for _, category := range categoryPriority {
		if seen[category] {
			findings.Categories = append(findings.Categories, category)
		}
	}
	findings.Detected = len(findings.Items) > 0
	return findings, nil
}

// Sanitize removes high-risk values and replaces the rest with session tokens.
func (s *Sanitizer) Sanitize(session *Session, content, contextTag string) (string, SanitizeReport, error) {
	if session == nil {
		return "", SanitizeReport{}, ErrNoSession
	}
	findings, err := s.Detect(content, contextTag)
	if err != nil {
		return "", SanitizeReport{}, err
	}

	report := SanitizeReport{
		SessionID:      session.ID(),
		ContextTag:     contextTag,
		OriginalLength: len(content),
		Categories:     findings.Categories,
		Risk:           findings.Risk,
	}
	if !findings.Detected {
		report.SanitizedLength = len(content)
		return content, report, nil
	}

	now := s.now().UTC()
	removed := map[Category]int{}
	masked := map[Category]int{}
	var b strings.Builder
	b.Grow(len(content))
	cursor := 0
	for _, item := range findings.Items {
		b.WriteString(content[cursor:item.Start])
		cursor = item.End
		if item.Category.Removed() {
			b.WriteString(removedMarker)
			removed[item.Category]++
			continue
		}
		token, err := session.tokenFor(item.Category, item.Value, contextTag, now)
		if err != nil {
			return "", SanitizeReport{}, err
		}
		b.WriteString(token)
		masked[item.Category]++
	}
	b.WriteString(content[cursor:])

	for category, count := range removed {
		report.Removed += count
		observability.ObservePIIItems(string(category), "removed", count)
	}
	for category, count := range masked {
		report.Masked += count
		observability.ObservePIIItems(string(category), "masked", count)
	}
	sanitized := b.String()
	report.SanitizedLength = len(sanitized)
	return sanitized, report, nil
}

// Unmask restores every token the session can resolve. Unknown, stale or
// foreign tokens stay in place and are reported; it never fails.
func (s *Sanitizer) Unmask(session *Session, content string) (string, UnmaskReport) {
	report := UnmaskReport{NoSession: session == nil}
	if session != nil {
		report.SessionID = session.ID()
	}
	if validateText(content) != nil {
		report.Errors = append(report.Errors, ErrInvalidInput.Error())
		return content, report
	}

	tokens := findTokens(content)
	if len(tokens) == 0 {
		return content, report
	}

	var b strings.Builder
	b.Grow(len(content))
	cursor := 0
	for _, token := range tokens {
		b.WriteString(content[cursor:token.Start])
		cursor = token.End
		original, ok := "", false
		if session != nil {
			original, ok = session.Resolve(token.Token)
		}
		if !ok {
			b.WriteString(token.Token)
			report.Unresolved = append(report.Unresolved, token.Token)
			report.Errors = append(report.Errors, unresolvedMessage(token.Token, session))
			continue
		}
		b.WriteString(original)
		report.Restored++
	}
	b.WriteString(content[cursor:])
	observability.ObserveUnresolvedTokens(len(report.Unresolved))
	return b.String(), report
}

func unresolvedMessage(token string, session *Session) string {
	if session == nil {
		return fmt.Sprintf("token %q not restored: no active session", token)
	}
	return fmt.Sprintf("token %q not found in session %q", token, session.ID())
}

func validateText(content string) error {
	if !utf8.ValidString(content) || strings.ContainsRune(content, 0) {
		return faults.Input("pii", ErrInvalidInput)
	}
	return nil
}
