package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sqlguard/sqlguard/internal/dbconn"
	"github.com/sqlguard/sqlguard/internal/history"
	"github.com/sqlguard/sqlguard/internal/llm"
	"github.com/sqlguard/sqlguard/internal/pii"
	"github.com/sqlguard/sqlguard/internal/planner"
	"github.com/sqlguard/sqlguard/internal/retrieval"
	"github.com/sqlguard/sqlguard/internal/security"
)

type Stage string

const (
	StagePlan      Stage = "PLAN"
	StageRetrieve  Stage = "RETRIEVE"
	StageGenerate  Stage = "GENERATE"
	StageValidate  Stage = "VALIDATE"
	StageExecute   Stage = "EXECUTE"
	StageRepair    Stage = "REPAIR"
	StageSummarize Stage = "SUMMARIZE"
	StageDone      Stage = "DONE"
	StageFailed    Stage = "FAILED"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Reason is the machine-readable cause of a failed run.
type Reason string

const (
	ReasonBlockedSQL          Reason = "blocked-sql"
	ReasonExecutionExhausted  Reason = "execution-error-exhausted"
	ReasonGenerationFailed    Reason = "generation-failed"
	ReasonRetrievalFailed     Reason = "retrieval-failed"
	ReasonPlanningFailed      Reason = "planning-failed"
	ReasonSummarizationFailed Reason = "summarization-failed"
	ReasonCancelled           Reason = "cancelled"
	ReasonInvalidInput        Reason = "invalid-input"
	ReasonRateLimited         Reason = "rate-limited"
)

type Request struct {
	Query     string `json:"query"`
	Caller    string `json:"caller"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Address   string `json:"address,omitempty"`
}

type StageTiming struct {
	Stage    Stage         `json:"stage"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
}

type Result struct {
	RunID            string                  `json:"run_id"`
	Status           Status                  `json:"status"`
	Reason           Reason                  `json:"reason,omitempty"`
	Message          string                  `json:"message,omitempty"`
	Rule             string                  `json:"rule,omitempty"`
	RetryAfter       time.Duration           `json:"retry_after,omitempty"`
	Query            string                  `json:"query"`
	SQL              string                  `json:"sql,omitempty"`
	SQLHistory       []string                `json:"sql_history"`
	Attempts         int                     `json:"attempts"`
	Columns          []string                `json:"columns,omitempty"`
	Rows             []map[string]any        `json:"rows,omitempty"`
	RowCount         int                     `json:"row_count"`
	Truncated        bool                    `json:"truncated,omitempty"`
	Summary          string                  `json:"summary,omitempty"`
	Plan             *planner.Intent         `json:"plan,omitempty"`
	Context          []retrieval.Passage     `json:"context,omitempty"`
	Timings          []StageTiming           `json:"timings"`
	StageTotals      map[Stage]time.Duration `json:"stage_totals"`
	ExecutorErrors   []string                `json:"executor_errors,omitempty"`
	ValidatorReasons []string                `json:"validator_reasons,omitempty"`
	UnresolvedTokens []string                `json:"unresolved_tokens,omitempty"`
	Duration         time.Duration           `json:"duration"`

	err error
}

// Err returns the classified fault behind a failed run, or nil.
func (r Result) Err() error {
	return r.err
}

type Validator interface {
	ValidateQuery(ctx context.Context, text string, caller security.Caller) error
	CheckRateLimit(ctx context.Context, caller security.Caller, max int, window time.Duration) security.RateDecision
	ValidateSQL(ctx context.Context, sql string, caller security.Caller) security.SQLVerdict
}

type Executor interface {
	Execute(ctx context.Context, workerID, sql string, rowLimit int) (dbconn.Result, error)
	Release(workerID string) error
	// Detach drops the worker's connection without blocking on a statement
	// that is still running on it.
	Detach(workerID string)
}

// SummaryInput carries sanitized material only.
type SummaryInput struct {
	Query     string
	SQL       string
	Role      string
	Columns   []string
	Rows      []map[string]any
	RowCount  int
	Truncated bool
}

type Summarizer interface {
	Summarize(ctx context.Context, in SummaryInput) (string, error)
}

type HistoryRecorder interface {
	Append(ctx context.Context, record history.Record) error
}

type Config struct {
	MaxRetries        int
	RowLimit          int
	CallTimeout       time.Duration
	TopK              int
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        2,
		RowLimit:          dbconn.DefaultRowLimit,
		CallTimeout:       30 * time.Second,
		TopK:              6,
		RateLimitEnabled:  true,
		RateLimitRequests: 30,
		RateLimitWindow:   time.Minute,
	}
}

type Dependencies struct {
	Planner    planner.Planner
	Retriever  retrieval.Retriever
	Generator  llm.Generator
	Validator  Validator
	Executor   Executor
	Summarizer Summarizer
	Sanitizer  *pii.Sanitizer
	Sessions   *pii.Store
	History    HistoryRecorder
	Logger     *slog.Logger
}

type Orchestrator struct {
	planner    planner.Planner
	retriever  retrieval.Retriever
	generator  llm.Generator
	validator  Validator
	executor   Executor
	summarizer Summarizer
	sanitizer  *pii.Sanitizer
	sessions   *pii.Store
	history    HistoryRecorder
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

func New(deps Dependencies, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Planner == nil:
		return nil, fmt.Errorf("planner is required")
	case deps.Retriever == nil:
		return nil, fmt.Errorf("retriever is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("generator is required")
	case deps.Validator == nil:
		return nil, fmt.Errorf("validator is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("executor is required")
	case deps.Summarizer == nil:
		return nil, fmt.Errorf("summarizer is required")
	case deps.Sanitizer == nil || deps.Sessions == nil:
		return nil, fmt.Errorf("sanitizer and session store are required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0")
	}
	defaults := DefaultConfig()
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = defaults.RowLimit
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaults.TopK
	}
	if cfg.RateLimitEnabled && (cfg.RateLimitRequests <= 0 || cfg.RateLimitWindow <= 0) {
		return nil, fmt.Errorf("rate limit requests and window must be > 0")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		planner:    deps.Planner,
		retriever:  deps.Retriever,
		generator:  deps.Generator,
		validator:  deps.Validator,
		executor:   deps.Executor,
		summarizer: deps.Summarizer,
		sanitizer:  deps.Sanitizer,
		sessions:   deps.Sessions,
		history:    deps.History,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}
