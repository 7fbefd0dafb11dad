package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncSubmitted()
	m.IncSubmitted()
	m.IncCompleted("bad")
	m.IncFailed()
	m.IncCacheHit("store")
	m.IncRejected("invalid_json")
	m.AddBusy(1)
	m.AddBusy(1)
	m.AddBusy(-1)
	m.ObserveAnalysis(1.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Completed.WithLabelValues("bad")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejected.WithLabelValues("invalid_json")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusyWorkers))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AnalysisSeconds))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncSubmitted()
		m.IncCompleted("good")
		m.IncFailed()
		m.IncCacheHit("redis")
		m.IncRejected("x")
		m.AddBusy(1)
		m.ObserveAnalysis(2)
	})
}
