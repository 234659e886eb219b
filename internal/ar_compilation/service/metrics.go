package service

import (
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors for compilation runs.
type Metrics struct {
	runs                 *prometheus.CounterVec
	runDuration          prometheus.Histogram
	descriptorDuration   prometheus.Histogram
	transcodeFallbacks   prometheus.Counter
	watchdogExpiries     prometheus.Counter
	notificationFailures prometheus.Counter
	inFlight             prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ar",
				Subsystem: "compilation",
				Name:      "runs_total",
				Help:      "Total number of finished compilation runs.",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "ar",
				Subsystem: "compilation",
				Name:      "run_duration_seconds",
				Help:      "Wall time of compilation runs.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 9), // 1s to ~4min
			},
		),
		descriptorDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "ar",
				Subsystem: "descriptor",
				Name:      "compile_duration_seconds",
				Help:      "Latency of descriptor compiler calls.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 9),
			},
		),
		transcodeFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ar",
				Subsystem: "media",
				Name:      "transcode_fallbacks_total",
				Help:      "Video crops that timed out and fell back to the source video.",
			},
		),
		watchdogExpiries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ar",
				Subsystem: "compilation",
				Name:      "watchdog_expiries_total",
				Help:      "Runs marked as failed by the watchdog.",
			},
		),
		notificationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ar",
				Subsystem: "notify",
				Name:      "failures_total",
				Help:      "Ready notifications that could not be delivered.",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ar",
				Subsystem: "compilation",
				Name:      "inflight_runs",
				Help:      "Current number of running compilations.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.runs, m.runDuration, m.descriptorDuration, m.transcodeFallbacks,
			m.watchdogExpiries, m.notificationFailures, m.inFlight,
		)
	}
	return m
}

func (m *Metrics) runFinished(outcome domain.Outcome, d time.Duration) {
	m.runs.WithLabelValues(string(outcome)).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) descriptorCompiled(ms int64) {
	m.descriptorDuration.Observe(float64(ms) / 1000)
}
