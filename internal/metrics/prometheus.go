package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Repository operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OperationErrors   *prometheus.CounterVec

	// Versioning metrics
	NoopWritesTotal       *prometheus.CounterVec
	VersionConflictsTotal *prometheus.CounterVec

	// Pool metrics
	PoolAcquiresTotal   *prometheus.CounterVec
	PoolAcquireDuration *prometheus.HistogramVec
	PoolExhaustedTotal  *prometheus.CounterVec
	ReaderFallbacksTotal *prometheus.CounterVec

	// Shard resolution metrics
	ShardCacheHits   prometheus.Counter
	ShardCacheMisses prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in main; tests use a
// fresh prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repo_operations_total",
				Help: "Total number of repository operations processed",
			},
			[]string{"operation", "shard", "mode"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repo_operation_duration_seconds",
				Help:    "Duration of repository operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "shard"},
		),

		OperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repo_operation_errors_total",
				Help: "Total number of repository operation errors",
			},
			[]string{"operation", "error_type"},
		),

		NoopWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repo_noop_writes_total",
				Help: "Total number of writes skipped because content was unchanged",
			},
			[]string{"resource_type"},
		),

		VersionConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repo_version_conflicts_total",
				Help: "Total number of optimistic concurrency conflicts",
			},
			[]string{"resource_type"},
		),

		PoolAcquiresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_acquires_total",
				Help: "Total number of pooled connection checkouts",
			},
			[]string{"shard", "mode"},
		),

		PoolAcquireDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pool_acquire_duration_seconds",
				Help:    "Time spent waiting for a pooled connection",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"shard", "mode"},
		),

		PoolExhaustedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_exhausted_total",
				Help: "Total number of connection waits that exceeded their budget",
			},
			[]string{"shard", "mode"},
		),

		ReaderFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_reader_fallbacks_total",
				Help: "Total number of reader requests served by the writer pool",
			},
			[]string{"shard"},
		),

		ShardCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shard_cache_hits_total",
				Help: "Total number of shard resolution cache hits",
			},
		),

		ShardCacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shard_cache_misses_total",
				Help: "Total number of shard resolution cache misses",
			},
		),
	}
}
