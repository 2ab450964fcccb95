// Package telemetry records engine metrics with Prometheus.
package telemetry

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/runoshun/crewd/internal/domain"
)

// Ensure Metrics implements domain.Metrics interface.
var _ domain.Metrics = (*Metrics)(nil)

const namespace = "crewd"

// Metrics is the Prometheus implementation of domain.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	tasksAdmitted     *prometheus.CounterVec
	admissionRejected *prometheus.CounterVec
	phaseTransitions  *prometheus.CounterVec
	watchReconnects   prometheus.Counter
	monitorsActive    prometheus.Gauge
	gateRuns          *prometheus.CounterVec
	gateDuration      prometheus.Histogram
}

// New registers the engine metrics on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		tasksAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "tasks_admitted_total",
			Help:      "Total tasks admitted, labelled by scope.",
		}, []string{"scope"}),

		admissionRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejected_total",
			Help:      "Total submissions rejected, labelled by reason.",
		}, []string{"reason"}),

		phaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "phase_transitions_total",
			Help:      "Total task phase transitions, labelled by the phase entered.",
		}, []string{"phase"}),

		watchReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "watch_reconnects_total",
			Help:      "Total times the reconciler re-subscribed after its watch ended.",
		}),

		monitorsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "monitors_active",
			Help:      "Execution monitors currently running.",
		}),

		gateRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "runs_total",
			Help:      "Total validation gate runs, labelled by result.",
		}, []string{"result"}),

		gateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "duration_seconds",
			Help:      "Validation and publish time in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TaskAdmitted counts an admitted task.
func (m *Metrics) TaskAdmitted(scope string) {
	m.tasksAdmitted.WithLabelValues(scope).Inc()
}

// AdmissionRejected counts a rejected submission.
func (m *Metrics) AdmissionRejected(reason string) {
	m.admissionRejected.WithLabelValues(reason).Inc()
}

// PhaseChanged counts a phase transition.
func (m *Metrics) PhaseChanged(phase domain.Phase) {
	m.phaseTransitions.WithLabelValues(strings.ToLower(string(phase))).Inc()
}

// WatchReconnected counts a watch re-subscription.
func (m *Metrics) WatchReconnected() {
	m.watchReconnects.Inc()
}

// MonitorsActive sets the number of running monitors.
func (m *Metrics) MonitorsActive(n int) {
	m.monitorsActive.Set(float64(n))
}

// GateFinished records one gate run.
func (m *Metrics) GateFinished(passed bool, d time.Duration) {
	result := "failed"
	if passed {
		result = "passed"
	}
	m.gateRuns.WithLabelValues(result).Inc()
	m.gateDuration.Observe(d.Seconds())
}
