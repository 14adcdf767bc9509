package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sqlguard/sqlguard/internal/faults"
	"github.com/sqlguard/sqlguard/internal/observability"
)

const (
	RuleEmptySQL  = "EMPTY_SQL"
	RuleRateLimit = "RATE_LIMIT_EXCEEDED"
	RuleIPBlocked = "IP_BLOCKED"

	defaultMaxQueryLength = 1000
	excerptLimit          = 500
)

// Caller identifies who submitted a query or statement.
type Caller struct {
	Identity string
	Address  string
}

// Key is the rate-limit identity: the address when known, else the caller id.
func (c Caller) Key() string {
	if c.Address != "" {
		return c.Address
	}
	if c.Identity != "" {
		return c.Identity
	}
	return "anonymous"
}

type SQLVerdict struct {
	Safe      bool      `json:"is_safe"`
	Message   string    `json:"message"`
	Action    Action    `json:"action"`
	Rule      string    `json:"rule,omitempty"`
	Threat    Threat    `json:"threat_level"`
	EventType EventType `json:"event_type"`
}

// Err converts a blocking verdict into a security-block fault.
func (v SQLVerdict) Err() error {
	if v.Safe {
		return nil
	}
	if v.Rule == RuleEmptySQL {
		return faults.Input("validate sql", errors.New(v.Message))
	}
	return faults.SecurityBlock("validate sql", v.Rule, errors.New(v.Message))
}

type ruleSet struct {
	deny       []Rule
	suspicious []Rule
}

type Options struct {
	Events         EventStore
	Blocks         BlockStore
	Limiter        *RateLimiter
	MaxQueryLength int
	Logger         *slog.Logger
	Now            func() time.Time
}

type Validator struct {
	rules          atomic.Pointer[ruleSet]
	events         EventStore
	blockStore     BlockStore
	blocks         *blocklist
	limiter        *RateLimiter
	maxQueryLength int
	logger         *slog.Logger
	now            func() time.Time
}

func NewValidator(opts Options) *Validator {
	if opts.Events == nil {
		opts.Events = NewMemoryLog()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(opts.Now)
	}
	if opts.MaxQueryLength <= 0 {
		opts.MaxQueryLength = defaultMaxQueryLength
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	v := &Validator{
		events:         opts.Events,
		blockStore:     opts.Blocks,
		blocks:         newBlocklist(),
		limiter:        opts.Limiter,
		maxQueryLength: opts.MaxQueryLength,
		logger:         opts.Logger,
		now:            opts.Now,
	}
	v.SetExtraRules(nil)
	return v
}

// SetExtraRules replaces operator supplied rules. Built-in rules always run
// first within their pass.
func (v *Validator) SetExtraRules(extra []Rule) {
	set := &ruleSet{deny: defaultDenyRules(), suspicious: defaultSuspiciousRules()}
	for _, rule := range extra {
		switch rule.Action {
		case ActionDeny:
			set.deny = append(set.deny, rule)
		case ActionSuspicious:
			set.suspicious = append(set.suspicious, rule)
		}
	}
	v.rules.Store(set)
}

// ValidateSQL classifies a candidate statement. Every outcome is recorded.
func (v *Validator) ValidateSQL(ctx context.Context, sql string, caller Caller) SQLVerdict {
	verdict := v.classify(sql)
	v.record(ctx, Event{
		Type:    verdict.EventType,
		Caller:  caller.Identity,
		Address: caller.Address,
		Excerpt: excerpt(sql),
		Verdict: verdictOf(verdict.Safe),
		Action:  verdict.Action,
		Rule:    verdict.Rule,
		Threat:  verdict.Threat,
	})
	observability.ObserveSQLVerdict(string(verdict.Action))
	return verdict
}

func (v *Validator) classify(sql string) SQLVerdict {
	if strings.TrimSpace(sql) == "" {
		return SQLVerdict{Message: "empty SQL statement", Action: ActionDeny, Rule: RuleEmptySQL, Threat: ThreatLow, EventType: EventDangerousOperation}
	}
	set := v.rules.Load()
	stripped := stripSQL(sql)
	target := func(rule Rule) string {
		if rule.Stripped {
			return stripped
		}
		return sql
	}
	for _, rule := range set.deny {
		if rule.Regex.MatchString(target(rule)) {
			return SQLVerdict{
				Message:   fmt.Sprintf("dangerous operation detected: %s", rule.Name),
				Action:    ActionDeny,
				Rule:      rule.Name,
				Threat:    rule.Threat,
				EventType: EventDangerousOperation,
			}
		}
	}
	for _, rule := range set.suspicious {
		if rule.Regex.MatchString(target(rule)) {
			return SQLVerdict{
				Message:   fmt.Sprintf("suspicious pattern detected: %s", rule.Name),
				Action:    ActionSuspicious,
				Rule:      rule.Name,
				Threat:    rule.Threat,
				EventType: EventSuspiciousPattern,
			}
		}
	}
	return SQLVerdict{Safe: true, Message: "safe", Action: ActionAllow, Threat: ThreatLow, EventType: EventSQLValidated}
}

// ValidateQuery checks natural-language intake. Markup that would be
// suspicious in SQL is recorded but does not reject the query.
func (v *Validator) ValidateQuery(ctx context.Context, text string, caller Caller) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return faults.Inputf("validate query", "query must not be empty")
	}
	if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
		return faults.Inputf("validate query", "query must be valid UTF-8 text")
	}
	if n := utf8.RuneCountInString(trimmed); n > v.maxQueryLength {
		return faults.Inputf("validate query", "query length %d exceeds maximum %d", n, v.maxQueryLength)
	}
	for _, rule := range v.rules.Load().suspicious {
		if rule.Stripped {
			continue
		}
		if rule.Regex.MatchString(text) {
			v.record(ctx, Event{
				Type:    EventSuspiciousQuery,
				Caller:  caller.Identity,
				Address: caller.Address,
				Excerpt: excerpt(text),
				Verdict: VerdictAllowed,
				Action:  ActionSuspicious,
				Rule:    rule.Name,
				Threat:  rule.Threat,
			})
			break
		}
	}
	return nil
}

// CheckRateLimit applies the blocklist and the sliding window for caller.
func (v *Validator) CheckRateLimit(ctx context.Context, caller Caller, max int, window time.Duration) RateDecision {
	if caller.Address != "" {
		if block, ok := v.blocks.lookup(caller.Address, v.now()); ok {
			v.record(ctx, Event{
				Type:    EventIPBlocked,
				Caller:  caller.Identity,
				Address: caller.Address,
				Excerpt: block.Reason,
				Verdict: VerdictBlocked,
				Action:  ActionDeny,
				Rule:    RuleIPBlocked,
				Threat:  ThreatHigh,
			})
			observability.IncrementRateLimitRejections()
			decision := RateDecision{Limit: max, Window: window, Blocked: true}
			if block.ExpiresAt != nil {
				decision.RetryAfter = block.ExpiresAt.Sub(v.now())
			}
			return decision
		}
	}

	decision := v.limiter.Allow(caller.Key(), max, window)
	if !decision.Allowed {
		v.record(ctx, Event{
			Type:    EventRateLimitExceeded,
			Caller:  caller.Identity,
			Address: caller.Address,
			Verdict: VerdictBlocked,
			Action:  ActionDeny,
			Rule:    RuleRateLimit,
			Threat:  ThreatMedium,
		})
		observability.IncrementRateLimitRejections()
	}
	return decision
}

// Err converts a rejected decision into a rate-limited fault.
func (d RateDecision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Blocked {
		return &faults.Error{Kind: faults.KindRateLimited, Op: "rate limit", Rule: RuleIPBlocked, RetryAfter: d.RetryAfter, Err: errors.New("address is blocked")}
	}
	return faults.RateLimited("rate limit", d.RetryAfter)
}

func (v *Validator) BlockAddress(ctx context.Context, address, reason string, ttl time.Duration) (Block, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Block{}, faults.Inputf("block address", "address is required")
	}
	now := v.now().UTC()
	block := Block{Address: address, Reason: reason, CreatedAt: now}
	if ttl > 0 {
		expires := now.Add(ttl)
		block.ExpiresAt = &expires
	}
	if v.blockStore != nil {
		if err := v.blockStore.UpsertBlock(ctx, block); err != nil {
			return Block{}, fmt.Errorf("persist block: %w", err)
		}
	}
	v.blocks.put(block)
	v.logger.InfoContext(ctx, "address blocked", "address", address, "reason", reason, "ttl", ttl.String())
	return block, nil
}

func (v *Validator) UnblockAddress(ctx context.Context, address string) (bool, error) {
	removed := v.blocks.remove(address)
	if v.blockStore != nil {
		deleted, err := v.blockStore.DeleteBlock(ctx, address)
		if err != nil {
			return removed, fmt.Errorf("delete block: %w", err)
		}
		removed = removed || deleted
	}
	return removed, nil
}

func (v *Validator) IsBlocked(address string) bool {
	_, ok := v.blocks.lookup(address, v.now())
	return ok
}

func (v *Validator) Blocks() []Block {
	return v.blocks.list(v.now())
}

// LoadBlocks primes the in-memory blocklist from the block store.
func (v *Validator) LoadBlocks(ctx context.Context) error {
	if v.blockStore == nil {
		return nil
	}
	blocks, err := v.blockStore.ListActiveBlocks(ctx, v.now().UTC())
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	for _, block := range blocks {
		v.blocks.put(block)
	}
	return nil
}

// Report aggregates events over the trailing hours.
func (v *Validator) Report(ctx context.Context, hours int) (Report, error) {
	if hours <= 0 {
		return Report{}, faults.Inputf("security report", "hours must be positive")
	}
	to := v.now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)
	events, err := v.events.Since(ctx, from)
	if err != nil {
		return Report{}, fmt.Errorf("load security events: %w", err)
	}
	return BuildReport(events, ReportWindow{From: from, To: to, Hours: hours}), nil
}

func (v *Validator) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	events, err := v.events.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent security events: %w", err)
	}
	return events, nil
}

// ClearEvents drops events older than the given number of days.
func (v *Validator) ClearEvents(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, faults.Inputf("clear security events", "days must be positive")
	}
	before := v.now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	deleted, err := v.events.Prune(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	v.logger.InfoContext(ctx, "security events pruned", "before", before, "deleted", deleted)
	return deleted, nil
}

func (v *Validator) record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = v.now().UTC()
	}
	if err := v.events.Append(context.WithoutCancel(ctx), event); err != nil {
		v.logger.ErrorContext(ctx, "record security event failed", "event_type", string(event.Type), "rule", event.Rule, "error", err)
	}
}

func verdictOf(safe bool) Verdict {
	if safe {
		return VerdictAllowed
	}
	return VerdictBlocked
}

func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= excerptLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:excerptLimit]) + "..."
}
