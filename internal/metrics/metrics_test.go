package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestRecordBatch(t *testing.T) {
	m := New()
	m.RecordBatch("cricket", time.Millisecond, 3, 6, []string{"outcome_odd", "outcome_odd", "compile"})

	if got := counterValue(t, m.MarketsTotal.WithLabelValues("cricket")); got != 3 {
		t.Errorf("markets = %v, want 3", got)
	}
	if got := counterValue(t, m.OutcomesTotal.WithLabelValues("cricket")); got != 6 {
		t.Errorf("outcomes = %v, want 6", got)
	}
	if got := counterValue(t, m.IssuesTotal.WithLabelValues("cricket", "outcome_odd")); got != 2 {
		t.Errorf("outcome_odd issues = %v, want 2", got)
	}
	if got := counterValue(t, m.BatchesTotal.WithLabelValues("cricket", "issues")); got != 1 {
		t.Errorf("batches{issues} = %v, want 1", got)
	}
}

func TestRecordCompile(t *testing.T) {
	m := New()
	m.RecordCompile("cricket", time.Millisecond, 2, nil)
	m.RecordCompile("cricket", time.Millisecond, 0, errors.New("bad pattern"))

	if got := counterValue(t, m.RuleErrors.WithLabelValues("cricket")); got != 2 {
		t.Errorf("rule errors = %v, want 2 (failed compile must not reset it)", got)
	}
	if got := counterValue(t, m.CompilesTotal.WithLabelValues("cricket", "error")); got != 1 {
		t.Errorf("compiles{error} = %v, want 1", got)
	}
}

func TestCacheMetrics(t *testing.T) {
	m := New()
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.SetCacheSize(4)

	if got := counterValue(t, m.CacheHits); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := counterValue(t, m.CacheMisses); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := counterValue(t, m.CacheSize); got != 4 {
		t.Errorf("size = %v, want 4", got)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("registry gathered no families")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCompile("cricket", time.Millisecond, 1, nil)
	m.RecordCacheLookup(true)
	m.SetCacheSize(1)
	m.RecordBatch("cricket", time.Millisecond, 1, 1, nil)
	m.RecordBatchFailure("cricket")
	m.RecordFeedFailure("ws")
}
