// Package metrics exposes Prometheus collectors for handoff runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kse/internal/domain"
)

const namespace = "kse"

// Metrics owns a private registry so several engines (and tests) can
// coexist in one process. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	runs            *prometheus.CounterVec
	specs           *prometheus.CounterVec
	specDuration    *prometheus.HistogramVec
	specAttempts    prometheus.Histogram
	gateEvaluations *prometheus.CounterVec
	successRate     prometheus.Gauge
	driftAlerts     prometheus.Counter
	archiveFailures prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		// Labels: status (completed, halted, dry-run)
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "runs_total",
			Help:      "Handoff runs by final status",
		}, []string{"status"}),
		// Labels: status (success, failed, skipped, planned), carried
		specs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "specs_total",
			Help:      "Spec results by status",
		}, []string{"status", "carried"}),
		specDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "spec_duration_seconds",
			Help:      "Wall time of executed specs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		specAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "spec_attempts",
			Help:      "Attempts per executed spec",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		gateEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "evaluations_total",
			Help:      "Release gate evaluations by outcome",
		}, []string{"result"}),
		successRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "spec_success_rate_percent",
			Help:      "Spec success rate of the latest evaluated run",
		}),
		driftAlerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "drift_alerts_total",
			Help:      "Runs whose trend analysis raised an alert",
		}),
		archiveFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evidence",
			Name:      "archive_failures_total",
			Help:      "Evidence writes that failed",
		}),
	}
}

func (m *Metrics) ObserveSpec(r domain.SpecResult) {
	if m == nil {
		return
	}
	carried := "false"
	if r.Carried {
		carried = "true"
	}
	m.specs.WithLabelValues(r.Status, carried).Inc()
	if r.Attempts > 0 && !r.Carried {
		m.specDuration.WithLabelValues(r.Status).Observe(float64(r.DurationMs) / 1000)
		m.specAttempts.Observe(float64(r.Attempts))
	}
}

func (m *Metrics) ObserveRun(r domain.RunReport) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(r.Status).Inc()
	if r.Gate == nil {
		return
	}
	m.ObserveGate(*r.Gate)
}

func (m *Metrics) ObserveGate(g domain.GateReport) {
	if m == nil {
		return
	}
	result := "failed"
	if g.Passed {
		result = "passed"
	}
	m.gateEvaluations.WithLabelValues(result).Inc()
	m.successRate.Set(g.SuccessRate)
	if g.Drift != nil && g.Drift.Alert {
		m.driftAlerts.Inc()
	}
}

func (m *Metrics) ArchiveFailed() {
	if m == nil {
		return
	}
	m.archiveFailures.Inc()
}

// WriteTextfile writes the registry in the text exposition format, in the
// shape the node_exporter textfile collector reads.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
