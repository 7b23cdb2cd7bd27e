// Package metrics holds the Prometheus metrics exported by the batcher agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BatcherMetrics holds all Prometheus metrics for the batching engine.
type BatcherMetrics struct {
	TickDuration       *prometheus.HistogramVec
	BatchesInFlight    prometheus.Gauge
	ComponentsInBatch  prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionsComplete   *prometheus.CounterVec
	BackoffSeconds     prometheus.Gauge
	ComponentsAdmitted prometheus.Counter
	CFSRequests        *prometheus.CounterVec
	CFSRequestSeconds  *prometheus.HistogramVec
}

// New creates and registers all batcher metrics under the given namespace.
func New(namespace string) *BatcherMetrics {
	return &BatcherMetrics{
		TickDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Time spent executing one driver tick, by phase",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		BatchesInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_in_flight",
			Help:      "Number of batches currently tracked by the manager",
		}),
		ComponentsInBatch: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "components_in_batch",
			Help:      "Number of components currently held in any batch",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of CFS sessions created",
		}),
		SessionsComplete: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_complete_total",
				Help:      "Total number of CFS sessions that reached a terminal outcome, by outcome",
			},
			[]string{"outcome"}, // complete, failed
		),
		BackoffSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Current adaptive backoff window in seconds; 0 means no backoff",
		}),
		ComponentsAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "components_admitted_total",
			Help:      "Total number of components admitted into a batch",
		}),
		CFSRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cfs_requests_total",
				Help:      "Total number of requests issued to CFS, by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		CFSRequestSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cfs_request_duration_seconds",
				Help:      "Latency of requests issued to CFS, by endpoint",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}
}

// ObserveTick records how long a named tick phase took.
func (m *BatcherMetrics) ObserveTick(phase string, d time.Duration) {
	m.TickDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveCFSRequest records a completed CFS call.
func (m *BatcherMetrics) ObserveCFSRequest(endpoint, outcome string, d time.Duration) {
	m.CFSRequests.WithLabelValues(endpoint, outcome).Inc()
	m.CFSRequestSeconds.WithLabelValues(endpoint).Observe(d.Seconds())
}
