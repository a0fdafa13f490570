// Package metrics provides Prometheus metrics for the dedup engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolveTotal counts resolved candidates by outcome and deciding match.
	ResolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memedex",
			Subsystem: "resolver",
			Name:      "candidates_total",
			Help:      "Total number of resolved candidates by outcome and match",
		},
		[]string{"outcome", "match"},
	)

	// ResolveErrors counts failed resolutions by error class.
	ResolveErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memedex",
			Subsystem: "resolver",
			Name:      "errors_total",
			Help:      "Total number of failed resolutions by error class",
		},
		[]string{"class"},
	)

	// DuplicateKeyRetries counts cascade re-runs after a lost uniqueness race.
	DuplicateKeyRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memedex",
			Subsystem: "resolver",
			Name:      "duplicate_key_retries_total",
			Help:      "Total number of cascade re-runs after a duplicate key",
		},
	)

	// ResolveDuration tracks end-to-end resolve latency.
	ResolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "memedex",
			Subsystem: "resolver",
			Name:      "duration_seconds",
			Help:      "Duration of candidate resolution in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	// LockWait tracks time spent acquiring bucket and template locks.
	LockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memedex",
			Subsystem: "locks",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for engine locks in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"scope"},
	)

	// StatusTransitions counts accepted status advances.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memedex",
			Subsystem: "status",
			Name:      "transitions_total",
			Help:      "Total number of status transitions by entity kind and target",
		},
		[]string{"entity_kind", "status"},
	)

	// VectorIndexErrors counts failed vector index operations.
	VectorIndexErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memedex",
			Subsystem: "vector",
			Name:      "errors_total",
			Help:      "Total number of failed vector index operations",
		},
		[]string{"space", "op"},
	)

	// VectorIndexPending is the number of templates whose vector index entry is stale
	// after a failed write. It drops as writes are retried and resets on rebuild.
	VectorIndexPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memedex",
			Subsystem: "vector",
			Name:      "sync_pending",
			Help:      "Number of templates waiting for a vector index resync",
		},
	)

	// SimilarityQueries counts similarity lookups by kind.
	SimilarityQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memedex",
			Subsystem: "similarity",
			Name:      "queries_total",
			Help:      "Total number of similarity queries",
		},
		[]string{"kind"},
	)
)
