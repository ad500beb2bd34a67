// Package metrics provides Prometheus metrics for rule compilation, the
// compiled-config cache and batch processing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects and exposes marketrules Prometheus metrics on a private
// registry.
type Metrics struct {
	registry *prometheus.Registry

	// Compilation
	CompileDuration *prometheus.HistogramVec
	CompilesTotal   *prometheus.CounterVec
	RuleErrors      *prometheus.GaugeVec

	// Cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheSize   prometheus.Gauge

	// Processing
	BatchesTotal    *prometheus.CounterVec
	MarketsTotal    *prometheus.CounterVec
	OutcomesTotal   *prometheus.CounterVec
	IssuesTotal     *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
	FeedFailures    *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		CompileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketrules_compile_duration_seconds",
				Help:    "Time spent compiling a sport configuration",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
			},
			[]string{"sport"},
		),
		CompilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrules_compiles_total",
				Help: "Sport configuration compilations by result",
			},
			[]string{"sport", "result"},
		),
		RuleErrors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketrules_rule_errors",
				Help: "Rules that failed to compile in the current compiled configuration",
			},
			[]string{"sport"},
		),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketrules_cache_hits_total",
			Help: "Compiled configuration cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketrules_cache_misses_total",
			Help: "Compiled configuration cache misses",
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketrules_cache_entries",
			Help: "Compiled configurations currently cached",
		}),

		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrules_batches_total",
				Help: "Batches processed by sport and result",
			},
			[]string{"sport", "result"},
		),
		MarketsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrules_markets_total",
				Help: "Markets produced",
			},
			[]string{"sport"},
		),
		OutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrules_outcomes_total",
				Help: "Outcomes produced",
			},
			[]string{"sport"},
		),
		IssuesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrules_issues_total",
				Help: "Per-record processing issues by stage",
			},
			[]string{"sport", "stage"},
		),
		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketrules_process_duration_seconds",
				Help:    "Time spent processing one batch",
				Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
			},
			[]string{"sport"},
		),
		FeedFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrules_feed_failures_total",
				Help: "Feed batches that could not be processed",
			},
			[]string{"source"},
		),
	}

	registry.MustRegister(
		m.CompileDuration,
		m.CompilesTotal,
		m.RuleErrors,
		m.CacheHits,
		m.CacheMisses,
		m.CacheSize,
		m.BatchesTotal,
		m.MarketsTotal,
		m.OutcomesTotal,
		m.IssuesTotal,
		m.ProcessDuration,
		m.FeedFailures,
	)

	return m
}

// Registry returns the prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// --- Helper methods for recording metrics ---
// All helpers are no-ops on a nil receiver so callers can run without metrics.

// RecordCompile records one compilation of a sport.
func (m *Metrics) RecordCompile(sport string, d time.Duration, ruleErrors int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CompileDuration.WithLabelValues(sport).Observe(d.Seconds())
	m.CompilesTotal.WithLabelValues(sport, result).Inc()
	if err == nil {
		m.RuleErrors.WithLabelValues(sport).Set(float64(ruleErrors))
	}
}

// RecordCacheLookup records a compiled-config cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}

// SetCacheSize updates the cache size gauge.
func (m *Metrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.CacheSize.Set(float64(n))
}

// RecordBatch records one processed batch. stages holds the stage of every
// issue raised while processing it.
func (m *Metrics) RecordBatch(sport string, d time.Duration, markets, outcomes int, stages []string) {
	if m == nil {
		return
	}
	result := "ok"
	if len(stages) > 0 {
		result = "issues"
	}
	m.BatchesTotal.WithLabelValues(sport, result).Inc()
	m.ProcessDuration.WithLabelValues(sport).Observe(d.Seconds())
	m.MarketsTotal.WithLabelValues(sport).Add(float64(markets))
	m.OutcomesTotal.WithLabelValues(sport).Add(float64(outcomes))
	for _, s := range stages {
		m.IssuesTotal.WithLabelValues(sport, s).Inc()
	}
}

// RecordBatchFailure records a batch that could not be processed at all.
func (m *Metrics) RecordBatchFailure(sport string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(sport, "error").Inc()
}

// RecordFeedFailure records a feed batch the handler rejected.
func (m *Metrics) RecordFeedFailure(source string) {
	if m == nil {
		return
	}
	m.FeedFailures.WithLabelValues(source).Inc()
}
