// Package metrics exposes Prometheus instrumentation for the flow state engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowstate"

// Metrics collects engine counters and latencies. A nil *Metrics records
// nothing, so callers never guard their instrumentation sites.
type Metrics struct {
	saves         *prometheus.CounterVec
	conflicts     prometheus.Counter
	checkpoints   prometheus.Counter
	recoveries    *prometheus.CounterVec
	cacheRequests *prometheus.CounterVec
	saveDuration  prometheus.Histogram
}

// New registers the engine metrics with registry. A nil registry uses the
// process-wide default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "State writes by result status.",
		}, []string{"status"}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Optimistic writes rejected on a version mismatch.",
		}),
		checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints created.",
		}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery runs by outcome.",
		}, []string{"outcome"}),
		cacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		saveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "End-to-end save latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordSave counts one completed write and observes its latency.
func (m *Metrics) RecordSave(status string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.saves.WithLabelValues(status).Inc()
	m.saveDuration.Observe(elapsed.Seconds())
}

// RecordConflict counts one write rejected by the optimistic version check.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}

	m.conflicts.Inc()
}

// RecordCheckpoint counts one checkpoint creation.
func (m *Metrics) RecordCheckpoint() {
	if m == nil {
		return
	}

	m.checkpoints.Inc()
}

// RecordRecovery counts one recovery run by its outcome.
func (m *Metrics) RecordRecovery(outcome string) {
	if m == nil {
		return
	}

	m.recoveries.WithLabelValues(outcome).Inc()
}

// RecordCacheRequest counts one cache lookup. Result is "hit" or "miss".
func (m *Metrics) RecordCacheRequest(result string) {
	if m == nil {
		return
	}

	m.cacheRequests.WithLabelValues(result).Inc()
}
