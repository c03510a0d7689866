package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks pipeline executions by method and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of pipeline requests",
		},
		[]string{"method", "outcome"},
	)

	// RetriesTotal tracks retry attempts by error kind.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Total number of retry attempts",
		},
		[]string{"kind"},
	)

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// QueueDepth tracks the current offline queue size.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Number of requests waiting in the offline queue",
		},
	)

	// QueueReplaysTotal tracks replay outcomes.
	QueueReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_replays_total",
			Help: "Total number of queue replay attempts",
		},
		[]string{"result"},
	)

	// QueueEvictionsTotal tracks bound-pressure evictions.
	QueueEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_queue_evictions_total",
			Help: "Total number of queued requests evicted at the size bound",
		},
	)

	// BreakerState reports the transport circuit breaker state
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_breaker_state",
			Help: "Transport circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
