package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// Completions by provider and outcome (ok, error, aborted).
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "completions_total",
			Help:      "Completion streams by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parley",
			Name:      "completion_duration_seconds",
			Help:      "Time from request to end of stream",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	CompletionFragments = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parley",
			Name:      "completion_fragments",
			Help:      "Number of non-empty fragments per completion",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"provider"},
	)

	PersistenceOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "persistence_operations_total",
			Help:      "Persistence calls by backend, operation and status",
		},
		[]string{"backend", "op", "status"},
	)

	ActiveOwners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "parley",
			Name:      "active_owners",
			Help:      "Owners with a hydrated conversation store",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
