// Package metrics defines custom Prometheus metrics for RelayStore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaystore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaystore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaystore_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaystore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Relay domain metrics.
var (
	// CommitsTotal counts two-phase commits by kind (image, archive) and outcome.
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaystore_commits_total",
			Help: "Blob commits by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// OpenSessions is a gauge tracking in-flight chunked upload sessions.
	OpenSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaystore_open_upload_sessions",
			Help: "In-flight chunked upload sessions",
		},
	)

	// SoftDeletedRecords is a gauge tracking archive records pending purge.
	SoftDeletedRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaystore_soft_deleted_records",
			Help: "Archive records soft-deleted and awaiting purge",
		},
	)

	// PoolShards is a gauge tracking the number of shards in the pool.
	PoolShards = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaystore_pool_shards",
			Help: "Shards in the storage pool",
		},
	)

	// BytesStoredTotal counts total blob bytes written to shards.
	BytesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaystore_bytes_stored_total",
			Help: "Total blob bytes written to shards",
		},
	)

	// BytesStreamedTotal counts total blob bytes streamed to consumers.
	BytesStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaystore_bytes_streamed_total",
			Help: "Total blob bytes streamed to consumers",
		},
	)

	// RecordsPurgedTotal counts archive records removed by the purge sweep.
	RecordsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaystore_records_purged_total",
			Help: "Archive records removed by the retention purge",
		},
	)

	// OrphansHealedTotal counts metadata records deleted by reconciliation.
	OrphansHealedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaystore_orphans_healed_total",
			Help: "Orphaned metadata records removed during listings",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			CommitsTotal,
			OpenSessions,
			SoftDeletedRecords,
			PoolShards,
			BytesStoredTotal,
			BytesStreamedTotal,
			RecordsPurgedTotal,
			OrphansHealedTotal,
		)
		// Initialize CommitsTotal so it appears in /metrics output even
		// before any commits have been performed.
		CommitsTotal.WithLabelValues("image", "success")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from shard names and object identifiers.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health":
		return "/health"
	case "/healthz":
		return "/healthz"
	case "/readyz":
		return "/readyz"
	case "/docs", "/docs/":
		return "/docs"
	case "/metrics":
		return "/metrics"
	case "/openapi.json":
		return "/openapi.json"
	case "/", "":
		return "/"
	}

	// Starts with /docs (Stoplight Elements assets).
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	// Blob paths embed the locator: /images/{shard}/{object} and the two
	// archive equivalents.
	if strings.HasPrefix(path, "/images/") {
		return "/images/{shard}/{object}"
	}
	if strings.HasPrefix(path, "/zip-file/") {
		return "/zip-file/{shard}/{object}"
	}
	if strings.HasPrefix(path, "/zip-hash/") {
		return "/zip-hash/{shard}/{object}"
	}

	// Everything else in the API is a fixed route; strip a trailing slash
	// and return the first segment as-is.
	trimmed := strings.TrimSuffix(path, "/")
	if idx := strings.IndexByte(trimmed[1:], '/'); idx >= 0 {
		return trimmed[:idx+1]
	}
	return trimmed
}
