// Package metrics defines the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peekaboo"

// Metrics groups all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Submitted       prometheus.Counter
	Completed       *prometheus.CounterVec
	Failed          prometheus.Counter
	CacheHits       *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
	BusyWorkers     prometheus.Gauge
	AnalysisSeconds prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_submitted_total",
			Help:      "Samples accepted for analysis.",
		}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_completed_total",
			Help:      "Samples that reached the completed state, by classification.",
		}, []string{"classification"}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_failed_total",
			Help:      "Samples that reached the failed state.",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdict_cache_hits_total",
			Help:      "Verdicts served without a sandbox run, by tier.",
		}, []string{"tier"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Requests rejected by validation, by error code.",
		}, []string{"code"}),
		BusyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Workers currently analysing a sample.",
		}),
		AnalysisSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Wall time of one sample through the worker pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
	reg.MustRegister(m.Submitted, m.Completed, m.Failed, m.CacheHits, m.Rejected, m.BusyWorkers, m.AnalysisSeconds)
	return m
}

func (m *Metrics) IncSubmitted() {
	if m != nil {
		m.Submitted.Inc()
	}
}

func (m *Metrics) IncCompleted(classification string) {
	if m != nil {
		m.Completed.WithLabelValues(classification).Inc()
	}
}

func (m *Metrics) IncFailed() {
	if m != nil {
		m.Failed.Inc()
	}
}

func (m *Metrics) IncCacheHit(tier string) {
	if m != nil {
		m.CacheHits.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) IncRejected(code string) {
	if m != nil {
		m.Rejected.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) AddBusy(delta float64) {
	if m != nil {
		m.BusyWorkers.Add(delta)
	}
}

func (m *Metrics) ObserveAnalysis(seconds float64) {
	if m != nil {
		m.AnalysisSeconds.Observe(seconds)
	}
}
