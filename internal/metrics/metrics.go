package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlcs_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "hlcs_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlcs_request_queue_depth",
			Help: "Requests currently admitted and in flight",
		},
	)

	RefinementIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hlcs_refinement_iterations",
			Help:    "Iterations spent per query including the first pass",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	ConsensusOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlcs_consensus_outcomes_total",
			Help: "Decision outcomes by status",
		},
		[]string{"status"},
	)

	EpisodeAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hlcs_episode_appends_total",
			Help: "Episodes appended to the memory store",
		},
	)

	BackendCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlcs_backend_calls_total",
			Help: "Calls to external backends by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
)
