package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlguard_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal status and reason.",
		},
		[]string{"status", "reason"},
	)
	pipelineStageDurationMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlguard_pipeline_stage_duration_ms",
			Help:    "Pipeline stage latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"stage"},
	)
	pipelineRepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlguard_pipeline_repairs_total",
			Help: "Total number of repair cycles started.",
		},
	)
	sqlVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlguard_sql_verdicts_total",
			Help: "Total number of SQL validation verdicts by action.",
		},
		[]string{"action"},
	)
	rateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlguard_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rolling-window rate limiter.",
		},
	)
	piiItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlguard_pii_items_total",
			Help: "Total number of PII items sanitized by category and disposition.",
		},
		[]string{"category", "disposition"},
	)
	piiUnresolvedTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlguard_pii_unresolved_tokens_total",
			Help: "Total number of mask tokens that could not be resolved during unmasking.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineRunsTotal,
		pipelineStageDurationMs,
		pipelineRepairsTotal,
		sqlVerdictsTotal,
		rateLimitRejectionsTotal,
		piiItemsTotal,
		piiUnresolvedTokensTotal,
	)
}

func ObservePipelineRun(status, reason string) {
	if reason == "" {
		reason = "none"
	}
	pipelineRunsTotal.WithLabelValues(status, reason).Inc()
}

func ObserveStage(stage string, elapsed time.Duration) {
	pipelineStageDurationMs.WithLabelValues(stage).Observe(float64(elapsed.Milliseconds()))
}

func IncrementRepairs() {
	pipelineRepairsTotal.Inc()
}

func ObserveSQLVerdict(action string) {
	sqlVerdictsTotal.WithLabelValues(action).Inc()
}

func IncrementRateLimitRejections() {
	rateLimitRejectionsTotal.Inc()
}

func ObservePIIItems(category, disposition string, count int) {
	if count <= 0 {
		return
	}
	piiItemsTotal.WithLabelValues(category, disposition).Add(float64(count))
}

func ObserveUnresolvedTokens(count int) {
	if count <= 0 {
		return
	}
	piiUnresolvedTokensTotal.Add(float64(count))
}
