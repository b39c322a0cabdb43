// Package metrics provides Prometheus metrics for pubflow.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pubflow/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for pubflow. A nil *Metrics is valid
// and records nothing, so services can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Run ledger
	AutomationRunsTotal *prometheus.CounterVec
	ActionRunsTotal     *prometheus.CounterVec
	ActionDuration      *prometheus.HistogramVec

	// Conditions
	ConditionEvaluationsTotal *prometheus.CounterVec

	// Job runner
	JobsDispatchedTotal *prometheus.CounterVec
	SweepDuration       prometheus.Histogram

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitDropsTotal *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry, with the Go runtime and
// process collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		AutomationRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubflow",
			Name:      "automation_runs_total",
			Help:      "Automation runs by final status.",
		}, []string{"status"}),
		ActionRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubflow",
			Name:      "action_runs_total",
			Help:      "Action runs by action and final status.",
		}, []string{"action", "status"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pubflow",
			Name:      "action_duration_seconds",
			Help:      "Adapter run duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"action"}),
		ConditionEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubflow",
			Name:      "condition_evaluations_total",
			Help:      "Condition tree evaluations by outcome (passed, failed, errored).",
		}, []string{"outcome"}),
		JobsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubflow",
			Name:      "jobs_dispatched_total",
			Help:      "Scheduled jobs dispatched by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pubflow",
			Name:      "job_sweep_duration_seconds",
			Help:      "Job runner sweep duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubflow",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pubflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		RateLimitDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubflow",
			Name:      "rate_limit_drops_total",
			Help:      "Requests rejected with 429 by limiter prefix.",
		}, []string{"prefix"}),
	}

	reg.MustRegister(
		m.AutomationRunsTotal,
		m.ActionRunsTotal,
		m.ActionDuration,
		m.ConditionEvaluationsTotal,
		m.JobsDispatchedTotal,
		m.SweepDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitDropsTotal,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AutomationRunChanged counts completed automation runs. Placeholder writes are ignored.
func (m *Metrics) AutomationRunChanged(run models.AutomationRun) {
	if m == nil || run.Status == models.RunStatusScheduled {
		return
	}
	m.AutomationRunsTotal.WithLabelValues(run.Status).Inc()
}

// ActionRunsChanged counts completed action runs.
func (m *Metrics) ActionRunsChanged(runs []models.ActionRun) {
	if m == nil {
		return
	}
	for _, r := range runs {
		if r.Status == models.RunStatusScheduled {
			continue
		}
		m.ActionRunsTotal.WithLabelValues(r.Action, r.Status).Inc()
	}
}

// ObserveAction records one adapter execution.
func (m *Metrics) ObserveAction(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionDuration.WithLabelValues(action).Observe(d.Seconds())
}

// RecordCondition records the outcome of a condition tree evaluation.
func (m *Metrics) RecordCondition(passed, errored bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	switch {
	case errored:
		outcome = "errored"
	case passed:
		outcome = "passed"
	}
	m.ConditionEvaluationsTotal.WithLabelValues(outcome).Inc()
}

// RecordJob records a dispatched job.
func (m *Metrics) RecordJob(kind, outcome string) {
	if m == nil {
		return
	}
	m.JobsDispatchedTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveSweep records one job runner sweep.
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func (m *Metrics) IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	incRateLimitDrop(prefix)
	if m == nil {
		return
	}
	m.RateLimitDropsTotal.WithLabelValues(prefix).Inc()
}

// rateLimitStats keeps process-wide drop counts for /health style snapshots.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

func incRateLimitDrop(prefix string) {
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
