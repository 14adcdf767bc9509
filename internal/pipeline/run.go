package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sqlguard/sqlguard/internal/dbconn"
	"github.com/sqlguard/sqlguard/internal/faults"
	"github.com/sqlguard/sqlguard/internal/history"
	"github.com/sqlguard/sqlguard/internal/observability"
	"github.com/sqlguard/sqlguard/internal/pii"
	"github.com/sqlguard/sqlguard/internal/planner"
	"github.com/sqlguard/sqlguard/internal/retrieval"
	"github.com/sqlguard/sqlguard/internal/security"
)

const (
	contextTagQuery   = "query"
	contextTagContext = "context"
	contextTagResult  = "result"
	contextTagError   = "error"
)

type run struct {
	o       *Orchestrator
	ctx     context.Context
	logger  *slog.Logger
	req     Request
	caller  security.Caller
	session *pii.Session
	started time.Time
	result  Result

	sanitizedQuery string
	sanitizedSQL   string
}

// Run drives one query through the stage machine. It never panics on
// collaborator failure; every failure ends in a FAILED result with a reason.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	r := &run{
		o:       o,
		ctx:     ctx,
		req:     req,
		caller:  security.Caller{Identity: req.Caller, Address: req.Address},
		started: o.now(),
		result: Result{
			RunID:       uuid.NewString(),
			Query:       req.Query,
			SQLHistory:  make([]string, 0),
			Timings:     make([]StageTiming, 0),
			StageTotals: make(map[Stage]time.Duration),
		},
	}
	r.ctx = observability.ContextWithRunID(ctx, r.result.RunID)
	r.logger = observability.LoggerFromContext(r.ctx, o.logger)

	if err := o.validator.ValidateQuery(r.ctx, req.Query, r.caller); err != nil {
		return r.reject(ReasonInvalidInput, err)
	}
	if o.cfg.RateLimitEnabled {
		decision := o.validator.CheckRateLimit(r.ctx, r.caller, o.cfg.RateLimitRequests, o.cfg.RateLimitWindow)
		if err := decision.Err(); err != nil {
			r.result.RetryAfter = decision.RetryAfter
			if decision.Blocked {
				r.result.Rule = security.RuleIPBlocked
			} else {
				r.result.Rule = security.RuleRateLimit
			}
			return r.reject(ReasonRateLimited, err)
		}
	}

	session, err := o.sessions.CreateSession(r.result.RunID, req.SessionID)
	if err != nil {
		return r.reject(ReasonInvalidInput, faults.Input("create session", err))
	}
	r.session = session
	defer r.cleanup()

	r.execute()
	return r.finish()
}

func (r *run) execute() {
	sanitized, report, err := r.o.sanitizer.Sanitize(r.session, r.req.Query, contextTagQuery)
	if err != nil {
		r.fail(ReasonInvalidInput, err)
		return
	}
	r.sanitizedQuery = sanitized
	if report.Removed+report.Masked > 0 {
		r.logger.Info("query sanitized", "removed", report.Removed, "masked", report.Masked, "risk", report.Risk)
	}

	intent, ok := r.plan()
	if !ok {
		return
	}
	passages, ok := r.retrieve()
	if !ok {
		return
	}
	result, ok := r.generateAndExecute(intent, passages)
	if !ok {
		return
	}
	r.summarize(result)
}

func (r *run) plan() (planner.Intent, bool) {
	if r.cancelled() {
		return planner.Intent{}, false
	}
	exit := r.enter(StagePlan, 1)
	intent, err := callWithTimeout(r.ctx, r.o.cfg.CallTimeout, "plan", func(ctx context.Context) (planner.Intent, error) {
		intent, err := r.o.planner.Plan(ctx, r.sanitizedQuery)
		return intent, classify("plan", err)
	})
	if err != nil {
		exit("error")
		r.failStage(ReasonPlanningFailed, err)
		return planner.Intent{}, false
	}
	exit("ok")
	r.result.Plan = &intent
	return intent, true
}

func (r *run) retrieve() ([]retrieval.Passage, bool) {
	if r.cancelled() {
		return nil, false
	}
	exit := r.enter(StageRetrieve, 1)
	passages, err := callWithTimeout(r.ctx, r.o.cfg.CallTimeout, "retrieve", func(ctx context.Context) ([]retrieval.Passage, error) {
		passages, err := r.o.retriever.Retrieve(ctx, r.sanitizedQuery, r.o.cfg.TopK)
		return passages, classify("retrieve", err)
	})
	if err != nil {
		exit("error")
		r.failStage(ReasonRetrievalFailed, err)
		return nil, false
	}
	exit("ok")

	r.result.Context = passages
	sanitized := make([]retrieval.Passage, 0, len(passages))
	for _, passage := range passages {
		text, _, err := r.o.sanitizer.Sanitize(r.session, passage.Text, contextTagContext)
		if err != nil {
			r.logger.Warn("dropping unsanitizable context passage", "table", passage.Table, "error", err)
			continue
		}
		passage.Text = text
		sanitized = append(sanitized, passage)
	}
	return sanitized, true
}

// generateAndExecute runs GENERATE, VALIDATE and EXECUTE, looping through
// REPAIR until a statement executes or MaxRetries repairs have been spent.
func (r *run) generateAndExecute(intent planner.Intent, passages []retrieval.Passage) (dbconn.Result, bool) {
	base := promptInput{Query: r.sanitizedQuery, Intent: intent, Passages: passages, RowLimit: r.o.cfg.RowLimit}
	maxAttempts := r.o.cfg.MaxRetries + 1

	var previousSQL, lastError string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		prompt := buildGenerationPrompt(base)
		if attempt > 1 {
			if r.cancelled() {
				return dbconn.Result{}, false
			}
			exit := r.enter(StageRepair, attempt)
			prompt = buildRepairPrompt(repairInput{promptInput: base, PreviousSQL: previousSQL, Error: lastError})
			observability.IncrementRepairs()
			exit("ok")
		}
		r.result.Attempts = attempt
		exhausted := attempt == maxAttempts

		sqlText, err := r.generate(prompt, attempt)
		if err != nil {
			if r.cancelled() {
				return dbconn.Result{}, false
			}
			lastError = r.repairDetail(err)
			if exhausted {
				r.fail(ReasonGenerationFailed, err)
				return dbconn.Result{}, false
			}
			continue
		}
		previousSQL = r.sanitizedSQL

		if r.cancelled() {
			return dbconn.Result{}, false
		}
		exit := r.enter(StageValidate, attempt)
		verdict := r.o.validator.ValidateSQL(r.ctx, sqlText, r.caller)
		if !verdict.Safe {
			exit("blocked")
			r.result.Rule = verdict.Rule
			r.result.ValidatorReasons = append(r.result.ValidatorReasons, verdict.Rule+": "+verdict.Message)
			r.fail(ReasonBlockedSQL, verdict.Err())
			return dbconn.Result{}, false
		}
		exit("ok")

		if r.cancelled() {
			return dbconn.Result{}, false
		}
		exit = r.enter(StageExecute, attempt)
		result, err := callWithTimeout(r.ctx, r.o.cfg.CallTimeout, "execute", func(ctx context.Context) (dbconn.Result, error) {
			return r.o.executor.Execute(ctx, r.result.RunID, sqlText, r.o.cfg.RowLimit)
		})
		if err != nil {
			exit("error")
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				r.o.executor.Detach(r.result.RunID)
			}
			if r.cancelled() {
				return dbconn.Result{}, false
			}
			r.result.ExecutorErrors = append(r.result.ExecutorErrors, err.Error())
			lastError = r.repairDetail(err)
			r.logger.Warn("sql execution failed", "attempt", attempt, "error_type", classifyError(err.Error()), "error", err)
			if exhausted || !faults.Retryable(err) {
				r.fail(ReasonExecutionExhausted, err)
				return dbconn.Result{}, false
			}
			continue
		}
		exit("ok")
		return result, true
	}
	return dbconn.Result{}, false
}

// repairDetail is the error text handed back to the model. Executed SQL
// carries restored values, so database errors can quote them verbatim.
func (r *run) repairDetail(err error) string {
	detail, _, serr := r.o.sanitizer.Sanitize(r.session, err.Error(), contextTagError)
	if serr != nil {
		return classifyError(err.Error())
	}
	return detail
}

// generate returns executable SQL with mask tokens restored.
func (r *run) generate(prompt string, attempt int) (string, error) {
	if r.cancelled() {
		return "", r.result.err
	}
	exit := r.enter(StageGenerate, attempt)
	raw, err := callWithTimeout(r.ctx, r.o.cfg.CallTimeout, "generate", func(ctx context.Context) (string, error) {
		raw, err := r.o.generator.Generate(ctx, prompt)
		return raw, classify("generate", err)
	})
	if err != nil {
		exit("error")
		r.logger.Warn("sql generation failed", "attempt", attempt, "error", err)
		return "", err
	}
	sanitizedSQL := stripMarkdownSQL(raw)
	if sanitizedSQL == "" {
		exit("empty")
		return "", faults.External("generate", errors.New("model returned empty SQL"))
	}
	exit("ok")

	sqlText, report := r.o.sanitizer.Unmask(r.session, sanitizedSQL)
	r.noteUnresolved(report)
	r.sanitizedSQL = sanitizedSQL
	r.result.SQL = sqlText
	r.result.SQLHistory = append(r.result.SQLHistory, sqlText)
	return sqlText, nil
}

func (r *run) summarize(result dbconn.Result) {
	r.result.Columns = result.Columns
	r.result.Rows = result.Rows
	r.result.RowCount = result.RowCount
	r.result.Truncated = result.Truncated

	if r.cancelled() {
		return
	}
	exit := r.enter(StageSummarize, r.result.Attempts)
	input := SummaryInput{
		Query:     r.sanitizedQuery,
		SQL:       r.sanitizedSQL,
		Role:      r.req.Role,
		Columns:   result.Columns,
		Rows:      r.sanitizeRows(result.Rows),
		RowCount:  result.RowCount,
		Truncated: result.Truncated,
	}
	summary, err := callWithTimeout(r.ctx, r.o.cfg.CallTimeout, "summarize", func(ctx context.Context) (string, error) {
		summary, err := r.o.summarizer.Summarize(ctx, input)
		return summary, classify("summarize", err)
	})
	if err != nil {
		exit("error")
		r.failStage(ReasonSummarizationFailed, err)
		return
	}
	exit("ok")

	restored, report := r.o.sanitizer.Unmask(r.session, summary)
	r.noteUnresolved(report)
	r.result.Summary = restored
	r.result.Status = StatusSucceeded
}

func (r *run) sanitizeRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		clean := make(map[string]any, len(row))
		for column, value := range row {
			text, ok := value.(string)
			if !ok {
				clean[column] = value
				continue
			}
			sanitized, _, err := r.o.sanitizer.Sanitize(r.session, text, contextTagResult)
			if err != nil {
				clean[column] = "[REDACTED]"
				continue
			}
			clean[column] = sanitized
		}
		out = append(out, clean)
	}
	return out
}

func (r *run) noteUnresolved(report pii.UnmaskReport) {
	if len(report.Unresolved) == 0 {
		return
	}
	r.result.UnresolvedTokens = append(r.result.UnresolvedTokens, report.Unresolved...)
	observability.ObserveUnresolvedTokens(len(report.Unresolved))
	r.logger.Warn("unresolved mask tokens", "count", len(report.Unresolved), "error", report.Err())
}

// enter records stage entry and returns the matching exit hook.
func (r *run) enter(stage Stage, attempt int) func(outcome string) {
	started := r.o.now()
	r.logger.Debug("stage_enter", "stage", stage, "attempt", attempt)
	return func(outcome string) {
		elapsed := r.o.now().Sub(started)
		r.result.Timings = append(r.result.Timings, StageTiming{
			Stage:    stage,
			Attempt:  attempt,
			Started:  started,
			Duration: elapsed,
			Outcome:  outcome,
		})
		r.result.StageTotals[stage] += elapsed
		observability.ObserveStage(string(stage), elapsed)
		r.logger.Debug("stage_exit", "stage", stage, "attempt", attempt, "outcome", outcome, "duration_ms", elapsed.Milliseconds())
	}
}

// cancelled reports parent cancellation and moves the run to FAILED once.
func (r *run) cancelled() bool {
	if r.result.Reason != "" {
		return true
	}
	if err := r.ctx.Err(); err != nil {
		r.fail(ReasonCancelled, err)
		return true
	}
	return false
}

// failStage fails with reason unless the failure came from cancellation.
func (r *run) failStage(reason Reason, err error) {
	if r.cancelled() {
		return
	}
	r.fail(reason, err)
}

func (r *run) fail(reason Reason, err error) {
	if r.result.Reason != "" {
		return
	}
	r.result.Status = StatusFailed
	r.result.Reason = reason
	r.result.err = err
	if err != nil {
		r.result.Message = err.Error()
	}
	r.logger.Info("stage transition", "stage", StageFailed, "reason", reason, "error", err)
}

// reject ends a run refused at intake. No session exists yet and nothing
// is written to history.
func (r *run) reject(reason Reason, err error) Result {
	r.fail(reason, err)
	r.result.Duration = r.o.now().Sub(r.started)
	observability.ObservePipelineRun(string(r.result.Status), string(reason))
	return r.result
}

func (r *run) cleanup() {
	if err := r.o.executor.Release(r.result.RunID); err != nil {
		r.logger.Warn("release worker connection", "error", err)
	}
	r.o.sessions.ClearSession(r.result.RunID)
}

func (r *run) finish() Result {
	r.result.Duration = r.o.now().Sub(r.started)
	if r.result.Status == StatusSucceeded {
		r.logger.Info("stage transition", "stage", StageDone, "attempts", r.result.Attempts, "rows", r.result.RowCount)
	} else if r.result.Reason == "" {
		r.fail(ReasonGenerationFailed, errors.New("run ended without a result"))
	}
	observability.ObservePipelineRun(string(r.result.Status), string(r.result.Reason))
	r.recordHistory()
	r.logger.Info("pipeline run finished",
		"status", r.result.Status,
		"reason", r.result.Reason,
		"attempts", r.result.Attempts,
		"duration_ms", r.result.Duration.Milliseconds(),
	)
	return r.result
}

func (r *run) recordHistory() {
	if r.o.history == nil {
		return
	}
	record := history.Record{
		RunID:     r.result.RunID,
		Caller:    r.req.Caller,
		Role:      r.req.Role,
		Query:     r.sanitizedQuery,
		SQL:       r.sanitizedSQL,
		Status:    string(r.result.Status),
		Reason:    string(r.result.Reason),
		RowCount:  r.result.RowCount,
		Attempts:  r.result.Attempts,
		Duration:  r.result.Duration,
		CreatedAt: r.o.now().UTC(),
	}
	if r.result.err != nil {
		record.Error = r.repairDetail(r.result.err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
	defer cancel()
	if err := r.o.history.Append(ctx, record); err != nil {
		r.logger.Warn("record query history", "error", err)
	}
}

// classify tags untyped collaborator errors as external-service faults.
func classify(op string, err error) error {
	if err == nil || faults.KindOf(err) != faults.KindUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return faults.External(op, err)
}

type callResult[T any] struct {
	value T
	err   error
}

// callWithTimeout bounds fn by timeout even when fn ignores its context.
// A deadline hit is reported as an external-service fault.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		value, err := fn(callCtx)
		done <- callResult[T]{value: value, err: err}
	}()

	var zero T
	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, faults.External(op, fmt.Errorf("%s timed out after %s: %w", op, timeout, out.err))
		}
		return out.value, out.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, faults.External(op, fmt.Errorf("%s timed out after %s: %w", op, timeout, context.DeadlineExceeded))
	}
}
