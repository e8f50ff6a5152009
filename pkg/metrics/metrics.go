// Package metrics exposes the prometheus collectors shared by scripthost
// components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scripthost"

// Metrics groups the supervisor and installer collectors.
type Metrics struct {
	liveJobs     prometheus.Gauge
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	stopDuration prometheus.Histogram
	depInstalls  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		liveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_jobs",
			Help:      "Number of artifacts with a live OS process.",
		}),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started, by interpreter kind.",
		}, []string{"kind"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs finished, by outcome.",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Start requests rejected by admission, by check.",
		}, []string{"check"}),
		stopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stop_duration_seconds",
			Help:      "Time from stop request to confirmed process exit.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		depInstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_installs_total",
			Help:      "Dependency install strategy runs, by strategy and result.",
		}, []string{"strategy", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.liveJobs, m.runsStarted, m.runsFinished, m.rejections, m.stopDuration, m.depInstalls)
	}
	return m
}

// SetLiveJobs records the current job table size.
func (m *Metrics) SetLiveJobs(n int) {
	if m == nil {
		return
	}
	m.liveJobs.Set(float64(n))
}

// RunStarted counts a spawned run.
func (m *Metrics) RunStarted(kind string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(kind).Inc()
}

// RunFinished counts a finished run. Exit code 0 is "success"; anything else is "failure".
func (m *Metrics) RunFinished(exitCode int) {
	if m == nil {
		return
	}
	outcome := "success"
	if exitCode != 0 {
		outcome = "failure"
	}
	m.runsFinished.WithLabelValues(outcome).Inc()
}

// AdmissionRejected counts a start refused by the named check.
func (m *Metrics) AdmissionRejected(check string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(check).Inc()
}

// ObserveStop records how long a stop took.
func (m *Metrics) ObserveStop(d time.Duration) {
	if m == nil {
		return
	}
	m.stopDuration.Observe(d.Seconds())
}

// DependencyInstall counts one non-skipped install strategy run.
func (m *Metrics) DependencyInstall(strategy string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "partial"
	}
	m.depInstalls.WithLabelValues(strategy, result).Inc()
}
