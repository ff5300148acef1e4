// Package metrics exposes Prometheus instrumentation for the memory service.
// All collectors live on one Metrics value backed by its own registry, so
// repeated construction in tests never trips duplicate registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service emits.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	WritesTotal      *prometheus.CounterVec
	ClassifierTotal  *prometheus.CounterVec
	QueueProcessed   prometheus.Counter
	QueueFailed      prometheus.Counter
	QueueStale       prometheus.Counter
	DuplicatesKept   prometheus.Counter
	QueueDepth       prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
	HandlerLatency   *prometheus.HistogramVec
	EmbeddingLatency prometheus.Histogram
}

// New builds a Metrics value with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mnemo",
			Name:      "requests_total",
			Help:      "Tool requests by tool, action, and outcome.",
		}, []string{"tool", "action", "outcome"}),
		WritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mnemo",
			Name:      "writes_total",
			Help:      "Committed artifact writes by kind.",
		}, []string{"entry_type"}),
		ClassifierTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mnemo",
			Name:      "classifier_results_total",
			Help:      "Classifier results by method (regex, cache, llm).",
		}, []string{"method"}),
		QueueProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mnemo",
			Name:      "embedding_queue_processed_total",
			Help:      "Embedding jobs completed.",
		}),
		QueueFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mnemo",
			Name:      "embedding_queue_failed_total",
			Help:      "Embedding jobs that exhausted their retries.",
		}),
		QueueStale: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mnemo",
			Name:      "embedding_queue_stale_total",
			Help:      "Embedding results discarded because the entry moved on.",
		}),
		DuplicatesKept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mnemo",
			Name:      "duplicates_rejected_total",
			Help:      "Writes rejected by the duplicate guard.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mnemo",
			Name:      "embedding_queue_depth",
			Help:      "Embedding jobs waiting or running.",
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mnemo",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"breaker"}),
		HandlerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mnemo",
			Name:      "handler_latency_seconds",
			Help:      "Tool dispatch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		EmbeddingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mnemo",
			Name:      "embedding_latency_seconds",
			Help:      "Time from job dequeue to stored vector.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// BreakerStateValue maps a breaker state name onto the gauge encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "OPEN", "open":
		return 2
	case "HALF_OPEN", "half-open":
		return 1
	}
	return 0
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the backing registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
