// Package metrics provides Prometheus metrics for the upload pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davbridge_transfers_total",
			Help: "Files processed by the pipeline, by result",
		},
		[]string{"result"},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "davbridge_bytes_uploaded_total",
			Help: "Total bytes uploaded",
		},
	)

	uploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "davbridge_upload_duration_seconds",
			Help:    "Upload duration in seconds, excluding verification",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
	)

	// Verification metrics
	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davbridge_verifications_total",
			Help: "Upload verifications, by method and result",
		},
		[]string{"method", "result"},
	)

	// Retry and conflict metrics
	lockedRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davbridge_locked_retries_total",
			Help: "Locked-file retry events, by outcome",
		},
		[]string{"outcome"},
	)

	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davbridge_conflicts_total",
			Help: "Conflicts resolved, by resolution",
		},
		[]string{"resolution"},
	)

	integrityChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "davbridge_integrity_checks_total",
			Help: "Transfer records re-checked against the server, by class",
		},
		[]string{"class"},
	)

	// Queue metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "davbridge_queue_depth",
			Help: "Files queued or being processed",
		},
	)

	checksumCacheHits = promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "davbridge_checksum_cache_hits_total",
			Help: "Checksum cache hits",
		},
		func() float64 { return float64(cacheStats().Hits) },
	)

	checksumCacheMisses = promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "davbridge_checksum_cache_misses_total",
			Help: "Checksum cache misses",
		},
		func() float64 { return float64(cacheStats().Misses) },
	)
)

// CacheStats is the cache counter snapshot exported as metrics.
type CacheStats struct {
	Hits   int64
	Misses int64
}

var cacheStats = func() CacheStats { return CacheStats{} }

// RegisterCacheStats exposes checksum cache counters through fn. Call it
// before the metrics handler is served.
func RegisterCacheStats(fn func() CacheStats) {
	cacheStats = fn
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTransfer records the final result of one file: "uploaded",
// "identical", "skipped", "failed" or "locked".
func RecordTransfer(result string) {
	transfersTotal.WithLabelValues(result).Inc()
}

// RecordUpload records a completed upload.
func RecordUpload(bytes int64, duration time.Duration) {
	bytesUploaded.Add(float64(bytes))
	uploadDuration.Observe(duration.Seconds())
}

// RecordVerification records a verification outcome.
func RecordVerification(method string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	verificationsTotal.WithLabelValues(method, result).Inc()
}

// RecordLockedRetry records a locked-file event: "scheduled", "ready",
// "gone" or "exhausted".
func RecordLockedRetry(outcome string) {
	lockedRetriesTotal.WithLabelValues(outcome).Inc()
}

// RecordConflict records how a conflict was resolved.
func RecordConflict(resolution string) {
	conflictsTotal.WithLabelValues(resolution).Inc()
}

// RecordIntegrityCheck records the class of one re-checked transfer.
func RecordIntegrityCheck(class string) {
	integrityChecksTotal.WithLabelValues(class).Inc()
}

// SetQueueDepth sets the number of queued or in-flight files.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
