package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/runoshun/crewd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	// Setup
	m := New()

	// Execute
	m.TaskAdmitted("payments")
	m.TaskAdmitted("payments")
	m.AdmissionRejected("concurrency")
	m.PhaseChanged(domain.PhaseRunning)
	m.PhaseChanged(domain.PhaseCompleted)
	m.WatchReconnected()
	m.MonitorsActive(3)
	m.MonitorsActive(2)

	// Verify
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksAdmitted.WithLabelValues("payments")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionRejected.WithLabelValues("concurrency")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phaseTransitions.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phaseTransitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.watchReconnects))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.monitorsActive))
}

func TestMetrics_GateFinished(t *testing.T) {
	m := New()

	m.GateFinished(true, 12*time.Second)
	m.GateFinished(false, 3*time.Second)
	m.GateFinished(true, time.Minute)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.gateRuns.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateRuns.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.gateDuration))
}

func TestMetrics_Handler(t *testing.T) {
	// Setup
	m := New()
	m.TaskAdmitted("payments")
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	// Execute
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// Verify
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `crewd_admission_tasks_admitted_total{scope="payments"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetrics_Registry(t *testing.T) {
	m := New()
	m.WatchReconnected()

	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP crewd_reconciler_watch_reconnects_total Total times the reconciler re-subscribed after its watch ended.
# TYPE crewd_reconciler_watch_reconnects_total counter
crewd_reconciler_watch_reconnects_total 1
`), "crewd_reconciler_watch_reconnects_total")

	assert.NoError(t, err)
}
