package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics for evaluation runs.
type PrometheusMetrics struct {
	// Run metrics
	RunsTotal       *prometheus.CounterVec
	PassDuration    *prometheus.HistogramVec
	PairsTotal      *prometheus.CounterVec
	PairDuration    prometheus.Histogram
	EqualPairsTotal prometheus.Counter

	// Completion metrics
	CompletionsTotal  *prometheus.CounterVec
	TokensInputTotal  *prometheus.CounterVec
	TokensOutputTotal *prometheus.CounterVec

	// Tool metrics
	ToolExecutionsTotal *prometheus.CounterVec
	ToolDuration        *prometheus.HistogramVec

	// Improvement metrics
	ImprovementsTotal *prometheus.CounterVec

	// Embedding cache metrics
	EmbedCacheHitsTotal   prometheus.Counter
	EmbedCacheMissesTotal prometheus.Counter

	// Protection metrics
	RetriesTotal     *prometheus.CounterVec
	CircuitOpenTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new Prometheus metrics instance. It
// registers with the given registerer; pass prometheus.DefaultRegisterer
// for the usual global registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlab_runs_total",
				Help: "Total number of evaluation runs",
			},
			[]string{"mode", "status"},
		),

		PassDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promptlab_pass_duration_seconds",
				Help:    "Duration of one full evaluation pass",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"mode"},
		),

		PairsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlab_pairs_total",
				Help: "Total number of evaluated test pairs",
			},
			[]string{"status"},
		),

		PairDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "promptlab_pair_duration_seconds",
				Help:    "Duration of a single test pair evaluation",
				Buckets: prometheus.DefBuckets,
			},
		),

		EqualPairsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "promptlab_equal_pairs_total",
				Help: "Test pairs whose output matched the expectation exactly",
			},
		),

		CompletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlab_completions_total",
				Help: "Total number of model completions",
			},
			[]string{"model", "status"},
		),

		TokensInputTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlab_tokens_input_total",
				Help: "Total number of prompt tokens sent",
			},
			[]string{"model"},
		),

		TokensOutputTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlab_tokens_output_total",
				Help: "Total number of completion tokens received",
			},
			[]string{"model"},
		),

		ToolExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlab_tool_executions_total",
				Help: "Total number of tool executions",
			},
			[]string{"kind", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "promptlab_tool_duration_seconds",
				Help:    "Tool execution latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		ImprovementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlab_improvements_total",
				Help: "Instruction improvement attempts",
			},
			[]string{"status"},
		),

		EmbedCacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "promptlab_embed_cache_hits_total",
				Help: "Embedding cache hits",
			},
		),

		EmbedCacheMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "promptlab_embed_cache_misses_total",
				Help: "Embedding cache misses",
			},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlab_retries_total",
				Help: "Completion retries",
			},
			[]string{"model", "reason"},
		),

		CircuitOpenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptlab_circuit_open_total",
				Help: "Circuit breaker transitions to open",
			},
			[]string{"model"},
		),
	}
}

// RecordRun records a finished run with its mode and final status.
func (m *PrometheusMetrics) RecordRun(mode, status string) {
	m.RunsTotal.WithLabelValues(mode, status).Inc()
}

// RecordPass records the duration of one evaluation pass.
func (m *PrometheusMetrics) RecordPass(mode string, duration time.Duration) {
	m.PassDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordPair records one evaluated test pair.
func (m *PrometheusMetrics) RecordPair(status string, duration time.Duration, equal bool) {
	m.PairsTotal.WithLabelValues(status).Inc()
	m.PairDuration.Observe(duration.Seconds())
	if equal {
		m.EqualPairsTotal.Inc()
	}
}

// RecordCompletion records a model completion and its token usage.
func (m *PrometheusMetrics) RecordCompletion(model, status string, inputTokens, outputTokens int) {
	m.CompletionsTotal.WithLabelValues(model, status).Inc()
	if inputTokens > 0 {
		m.TokensInputTotal.WithLabelValues(model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensOutputTotal.WithLabelValues(model).Add(float64(outputTokens))
	}
}

// RecordToolExecution records a tool dispatch by kind (local, remote, agent).
func (m *PrometheusMetrics) RecordToolExecution(kind, status string, duration time.Duration) {
	m.ToolExecutionsTotal.WithLabelValues(kind, status).Inc()
	m.ToolDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordImprovement records an instruction rewrite attempt.
func (m *PrometheusMetrics) RecordImprovement(status string) {
	m.ImprovementsTotal.WithLabelValues(status).Inc()
}

// RecordEmbedCacheHit records an embedding cache hit.
func (m *PrometheusMetrics) RecordEmbedCacheHit() {
	m.EmbedCacheHitsTotal.Inc()
}

// RecordEmbedCacheMiss records an embedding cache miss.
func (m *PrometheusMetrics) RecordEmbedCacheMiss() {
	m.EmbedCacheMissesTotal.Inc()
}

// RecordRetry records a completion retry.
func (m *PrometheusMetrics) RecordRetry(model, reason string) {
	m.RetriesTotal.WithLabelValues(model, reason).Inc()
}

// RecordCircuitOpen records a circuit breaker opening for a model.
func (m *PrometheusMetrics) RecordCircuitOpen(model string) {
	m.CircuitOpenTotal.WithLabelValues(model).Inc()
}
