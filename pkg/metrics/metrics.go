// Package metrics exposes the acceleration layer's live counters to
// Prometheus. Components update these collectors inline; nothing in the
// layer reads them back, the in-process snapshots returned by each
// component's GetMetrics are the source of truth.
//
// # Basic Usage
//
//	metrics.PoolAcquisitions.WithLabelValues("ok").Inc()
//	metrics.BatchSize.Observe(float64(len(batch)))
//	metrics.CacheLookups.WithLabelValues(metrics.CachePrefetch, "hit").Inc()
//
// # Metric Types
//
// Counter: Monotonically increasing values (e.g., total acquisitions)
// Gauge: Values that can go up or down (e.g., active connections)
// Histogram: Distribution of values (e.g., batch size, query latency)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache label values.
const (
	CachePrefetch    = "prefetch"
	CacheQueryResult = "query_result"
)

var (
	// PoolConnections tracks pooled connections by state (active, idle).
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nebulakv",
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Number of pooled connections by state",
		},
		[]string{"state"},
	)

	// PoolWaiting tracks acquirers currently blocked in Acquire.
	PoolWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nebulakv",
			Subsystem: "pool",
			Name:      "waiting_acquirers",
			Help:      "Number of callers waiting for a connection",
		},
	)

	// PoolAcquisitions counts Acquire outcomes.
	// Labels: result (ok, timeout, error)
	PoolAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nebulakv",
			Subsystem: "pool",
			Name:      "acquisitions_total",
			Help:      "Total connection acquisitions by result",
		},
		[]string{"result"},
	)

	// PoolEvictions counts connections removed from the pool.
	// Labels: reason (idle, health, error, stale)
	PoolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nebulakv",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Total connections removed from the pool by reason",
		},
		[]string{"reason"},
	)

	// BatchSize tracks the distribution of executed batch sizes.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nebulakv",
			Subsystem: "batcher",
			Name:      "batch_size",
			Help:      "Number of requests per executed batch",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		},
	)

	// BatchRequests counts resolved batched requests.
	// Labels: op, status (success, failure)
	BatchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nebulakv",
			Subsystem: "batcher",
			Name:      "requests_total",
			Help:      "Total batched requests by operation and status",
		},
		[]string{"op", "status"},
	)

	// BatchesInFlight tracks batches currently executing.
	BatchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nebulakv",
			Subsystem: "batcher",
			Name:      "in_flight",
			Help:      "Number of batches currently executing",
		},
	)

	// BatchDeferrals counts flushes postponed by the concurrency cap.
	BatchDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nebulakv",
			Subsystem: "batcher",
			Name:      "deferrals_total",
			Help:      "Total flushes deferred because the concurrency cap was reached",
		},
	)

	// CacheLookups counts cache lookups.
	// Labels: cache (prefetch, query_result), result (hit, miss)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nebulakv",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	// CacheEvictions counts evicted cache entries.
	// Labels: cache, reason (size, expired)
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nebulakv",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total cache entries evicted by cache and reason",
		},
		[]string{"cache", "reason"},
	)

	// CacheEntries tracks the current number of cached entries.
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nebulakv",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cache entries",
		},
		[]string{"cache"},
	)

	// QueryDuration tracks search execution latency in seconds.
	// Labels: source (cache, store)
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nebulakv",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Search execution latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"source"},
	)

	// Recommendations tracks the number of active recommendations by type.
	Recommendations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nebulakv",
			Subsystem: "monitor",
			Name:      "recommendations",
			Help:      "Number of active optimization recommendations by type",
		},
		[]string{"type"},
	)
)
