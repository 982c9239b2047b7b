package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacherr",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cacherr",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	CacheUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cacherr",
		Name:      "cache_usage_bytes",
		Help:      "Current total size of tracked files on the cache tier.",
	})

	CacheLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cacherr",
		Name:      "cache_limit_bytes",
		Help:      "Configured cache size ceiling in bytes.",
	})

	TrackedFiles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cacherr",
		Name:      "tracked_files",
		Help:      "Number of tracked cache entries by source.",
	}, []string{"source"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cacherr",
		Name:      "active_sessions",
		Help:      "Number of playback sessions the monitor currently tracks.",
	})

	TransfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacherr",
		Name:      "transfers_total",
		Help:      "Total completed file transfers by direction.",
	}, []string{"direction"})

	BytesTransferredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacherr",
		Name:      "bytes_transferred_total",
		Help:      "Total bytes moved between tiers by direction.",
	}, []string{"direction"})

	TransferErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cacherr",
		Name:      "transfer_errors_total",
		Help:      "Total failed file transfers.",
	})

	CycleRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacherr",
		Name:      "cycle_runs_total",
		Help:      "Total cache cycles by outcome.",
	}, []string{"outcome"})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cacherr",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of full cache cycles in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cacherr",
		Name:      "evictions_total",
		Help:      "Total files evicted from the cache tier.",
	})

	EvictionBytesFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cacherr",
		Name:      "eviction_bytes_freed_total",
		Help:      "Total bytes freed by eviction.",
	})

	UpstreamErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacherr",
		Name:      "upstream_errors_total",
		Help:      "Total failed upstream media-server calls by operation.",
	}, []string{"operation"})

	TrackerPersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cacherr",
		Name:      "tracker_persist_errors_total",
		Help:      "Total failed tracker persist attempts.",
	})

	ReconcileOrphansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cacherr",
		Name:      "reconcile_orphans_total",
		Help:      "Total orphaned tracker entries removed by reconciliation.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CacheUsageBytes,
		CacheLimitBytes,
		TrackedFiles,
		ActiveSessions,
		TransfersTotal,
		BytesTransferredTotal,
		TransferErrorsTotal,
		CycleRunsTotal,
		CycleDuration,
		EvictionsTotal,
		EvictionBytesFreed,
		UpstreamErrorsTotal,
		TrackerPersistErrors,
		ReconcileOrphansTotal,
	)
}
