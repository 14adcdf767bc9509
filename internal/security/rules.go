package security

import (
	"fmt"
	"regexp"
	"strings"
)

type Action string

const (
	ActionAllow      Action = "allow"
	ActionDeny       Action = "deny"
	ActionSuspicious Action = "suspicious"
)

type Threat string

const (
	ThreatLow    Threat = "low"
	ThreatMedium Threat = "medium"
	ThreatHigh   Threat = "high"
)

// Rule is one classification check. Stripped rules run against the statement
// with string literals, quoted identifiers and comments blanked out.
type Rule struct {
	Name     string
	Action   Action
	Threat   Threat
	Regex    *regexp.Regexp
	Stripped bool
}

var deniedVerbs = []struct {
	rule  string
	verbs string
}{
	{"DROP_DETECTED", "DROP"},
	{"DELETE_DETECTED", "DELETE"},
	{"TRUNCATE_DETECTED", "TRUNCATE"},
	{"UPDATE_DETECTED", "UPDATE"},
	{"INSERT_DETECTED", "INSERT"},
	{"ALTER_DETECTED", "ALTER"},
	{"CREATE_DETECTED", "CREATE"},
	{"GRANT_DETECTED", "GRANT"},
	{"REVOKE_DETECTED", "REVOKE"},
	{"EXEC_DETECTED", "EXEC|EXECUTE"},
	{"SHUTDOWN_DETECTED", "SHUTDOWN"},
	{"KILL_DETECTED", "KILL"},
	{"BACKUP_DETECTED", "BACKUP"},
	{"RESTORE_DETECTED", "RESTORE"},
}

func defaultDenyRules() []Rule {
	rules := make([]Rule, 0, len(deniedVerbs))
	for _, verb := range deniedVerbs {
		rules = append(rules, Rule{
			Name:     verb.rule,
			Action:   ActionDeny,
			Threat:   ThreatHigh,
			Regex:    regexp.MustCompile(`(?i)\b(?:` + verb.verbs + `)\b`),
			Stripped: true,
		})
	}
	return rules
}

func defaultSuspiciousRules() []Rule {
	suspicious := func(name, expr string, stripped bool) Rule {
		return Rule{Name: name, Action: ActionSuspicious, Threat: ThreatMedium, Regex: regexp.MustCompile(expr), Stripped: stripped}
	}
	return []Rule{
		suspicious("UNION_SELECT_DETECTED", `(?i)\bunion\s+(?:all\s+)?select\b`, false),
		suspicious("TAUTOLOGY_DETECTED", `(?i)\bor\s+(?:'[^']*'\s*=\s*'[^']*'|\d+\s*=\s*\d+)`, false),
		suspicious("OR_TRUE_DETECTED", `(?i)\bor\s+true\b`, false),
		suspicious("STACKED_QUERY_DETECTED", `;\s*\S`, true),
		suspicious("SCRIPT_TAG_DETECTED", `(?i)<\s*/?\s*script\b`, false),
		suspicious("JAVASCRIPT_URI_DETECTED", `(?i)javascript\s*:`, false),
		suspicious("EVENT_HANDLER_DETECTED", `(?i)\bon(?:load|error|click|mouseover|focus|blur|submit)\s*=`, false),
	}
}

// CompileRule builds an operator supplied rule. Deny rules are checked
// against the stripped statement like the built-in verb rules.
func CompileRule(name, expr string, action Action) (Rule, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Rule{}, fmt.Errorf("rule name is required")
	}
	if action != ActionDeny && action != ActionSuspicious {
		return Rule{}, fmt.Errorf("rule %q: unsupported action %q", name, action)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: invalid regex: %w", name, err)
	}
	threat := ThreatMedium
	if action == ActionDeny {
		threat = ThreatHigh
	}
	return Rule{Name: name, Action: action, Threat: threat, Regex: re, Stripped: action == ActionDeny}, nil
}

// stripSQL blanks string literals, quoted identifiers and comments while
// keeping byte offsets stable.
func stripSQL(sql string) string {
	out := []byte(sql)
	for i := 0; i < len(out); {
		switch {
		case out[i] == '\'' || out[i] == '"':
			quote := out[i]
			j := i + 1
			for j < len(out) {
				if out[j] == quote {
					if j+1 < len(out) && out[j+1] == quote {
						j += 2
						continue
					}
					break
				}
				j++
			}
			blank(out, i+1, j)
			i = j + 1
		case out[i] == '-' && i+1 < len(out) && out[i+1] == '-':
			j := i
			for j < len(out) && out[j] != '\n' {
				j++
			}
			blank(out, i, j)
			i = j
		case out[i] == '/' && i+1 < len(out) && out[i+1] == '*':
			j := i + 2
			for j+1 < len(out) && !(out[j] == '*' && out[j+1] == '/') {
				j++
			}
			end := j + 2
			if end > len(out) {
				end = len(out)
			}
			blank(out, i, end)
			i = end
		default:
			i++
		}
	}
	return string(out)
}

func blank(b []byte, from, to int) {
	for k := from; k < to && k < len(b); k++ {
		if b[k] != '\n' {
			b[k] = ' '
		}
	}
}
