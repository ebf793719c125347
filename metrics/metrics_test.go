package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/runbox/sandbox"
)

func TestMetricsLifecycleCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ExecutionStarted()
	m.ExecutionStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.activeExecutions))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.executionsStarted))

	m.ExecutionFinished(sandbox.StatusCompleted, 2*time.Second)
	m.ExecutionFinished(sandbox.StatusTimedOut, 30*time.Second)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeExecutions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.executionsFinished.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.executionsFinished.WithLabelValues("timed_out")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.executionsFinished.WithLabelValues("failed")))
}

func TestMetricsUsageSeries(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveUsage("exec-1", 3e9, 128*1024*1024)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.cpuSeconds.WithLabelValues("exec-1")))
	assert.Equal(t, float64(128*1024*1024), testutil.ToFloat64(m.memoryBytes.WithLabelValues("exec-1")))

	// Eviction drops the per-execution series.
	m.ForgetExecution("exec-1")
	assert.Equal(t, 0, testutil.CollectAndCount(m.cpuSeconds))
	assert.Equal(t, 0, testutil.CollectAndCount(m.memoryBytes))
}

func TestMetricsHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ExecutionStarted()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsImplementsRecorder(t *testing.T) {
	var _ sandbox.Recorder = New(prometheus.NewRegistry())
}
