package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sqlguard/sqlguard/internal/pii"
	"github.com/sqlguard/sqlguard/internal/security"
)

// File is the on-disk policy document.
type File struct {
	PII      PIISection      `yaml:"pii"`
	Security SecuritySection `yaml:"security"`
}

type PIISection struct {
	ExtraPatterns []PatternSpec `yaml:"extra_patterns"`
}

type SecuritySection struct {
	ExtraDeny       []RuleSpec `yaml:"extra_deny"`
	ExtraSuspicious []RuleSpec `yaml:"extra_suspicious"`
}

type PatternSpec struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Regex    string `yaml:"regex"`
}

type RuleSpec struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// Policy is a compiled File ready to apply.
type Policy struct {
	Patterns []pii.Pattern
	Rules    []security.Rule
	Hash     string
}

type PatternSink interface {
	SetPatterns(extra []pii.Pattern)
}

type RuleSink interface {
	SetExtraRules(extra []security.Rule)
}

// Load reads and compiles path. A missing file yields an empty policy.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Parse(nil)
		}
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Policy, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	sum := sha256.Sum256(data)
	compiled := Policy{Hash: "sha256:" + hex.EncodeToString(sum[:])}

	for _, spec := range file.PII.ExtraPatterns {
		pattern, err := pii.CompilePattern(spec.Name, spec.Category, spec.Regex)
		if err != nil {
			return Policy{}, err
		}
		compiled.Patterns = append(compiled.Patterns, pattern)
	}
	for _, spec := range file.Security.ExtraDeny {
		rule, err := security.CompileRule(spec.Name, spec.Regex, security.ActionDeny)
		if err != nil {
			return Policy{}, err
		}
		compiled.Rules = append(compiled.Rules, rule)
	}
	for _, spec := range file.Security.ExtraSuspicious {
		rule, err := security.CompileRule(spec.Name, spec.Regex, security.ActionSuspicious)
		if err != nil {
			return Policy{}, err
		}
		compiled.Rules = append(compiled.Rules, rule)
	}
	return compiled, nil
}

// Apply swaps the operator supplied patterns and rules on both sinks.
func (p Policy) Apply(patterns PatternSink, rules RuleSink) {
	if patterns != nil {
		patterns.SetPatterns(p.Patterns)
	}
	if rules != nil {
		rules.SetExtraRules(p.Rules)
	}
}
