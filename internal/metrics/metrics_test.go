package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pubflow/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncRateLimitDrop(t *testing.T) {
	// 重置全局状态
	rl = rateLimitStats{}
	m := New()

	m.IncRateLimitDrop("")
	m.IncRateLimitDrop("/api/v1/webhooks")
	m.IncRateLimitDrop("/api/v1/webhooks")

	total, by := RateLimitSnapshot()
	assert.Equal(t, uint64(3), total)
	assert.Equal(t, uint64(1), by["global"])
	assert.Equal(t, uint64(2), by["/api/v1/webhooks"])
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimitDropsTotal.WithLabelValues("/api/v1/webhooks")))

	// snapshot is a copy
	by["global"] = 100
	_, again := RateLimitSnapshot()
	assert.Equal(t, uint64(1), again["global"])
}

func TestRunCounters(t *testing.T) {
	m := New()
	m.AutomationRunChanged(models.AutomationRun{Status: models.RunStatusScheduled})
	m.AutomationRunChanged(models.AutomationRun{Status: models.RunStatusSuccess})
	m.ActionRunsChanged([]models.ActionRun{
		{Action: "http", Status: models.RunStatusFailure},
		{Action: "http", Status: models.RunStatusScheduled},
		{Action: "log", Status: models.RunStatusSuccess},
	})
	m.RecordCondition(false, true)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.AutomationRunsTotal.WithLabelValues(models.RunStatusScheduled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AutomationRunsTotal.WithLabelValues(models.RunStatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionRunsTotal.WithLabelValues("http", models.RunStatusFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConditionEvaluationsTotal.WithLabelValues("errored")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AutomationRunChanged(models.AutomationRun{Status: models.RunStatusFailure})
		m.ObserveAction("log", time.Millisecond)
		m.RecordJob("automation", "done")
		m.ObserveSweep(time.Millisecond)
		m.IncRateLimitDrop("global")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordJob("automation", "done")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `pubflow_jobs_dispatched_total{kind="automation",outcome="done"} 1`))
}
