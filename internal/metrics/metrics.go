// Package metrics provides Prometheus metrics for dropsync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Filesystem event metrics
	fsEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropsync_fs_events_total",
			Help: "Total filesystem events received from the watcher",
		},
		[]string{"kind"},
	)

	ignoredEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropsync_ignored_events_total",
			Help: "Total filesystem events dropped by the ignore patterns",
		},
	)

	pendingFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dropsync_pending_files",
			Help: "Number of files waiting for their quiet window to elapse",
		},
	)

	settledFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropsync_settled_files_total",
			Help: "Total files judged settled by a sweep",
		},
	)

	// Upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropsync_uploads_total",
			Help: "Total upload attempts by outcome",
		},
		[]string{"outcome"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropsync_upload_bytes_total",
			Help: "Total bytes uploaded to the blob store",
		},
	)

	uploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dropsync_upload_duration_seconds",
			Help:    "Time spent in a single TryUpload call",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Ledger metrics
	ledgerRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dropsync_ledger_records",
			Help: "Number of identities recorded in the upload ledger",
		},
	)

	ledgerCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropsync_ledger_commits_total",
			Help: "Total ledger commits",
		},
		[]string{"status"},
	)

	// Blob store metrics
	blobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropsync_blob_operation_duration_seconds",
			Help:    "Blob store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	blobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropsync_blob_operations_total",
			Help: "Total blob store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Event stream metrics
	streamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dropsync_event_stream_subscribers",
			Help: "Number of active outcome stream subscribers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFSEvent records a filesystem event by kind.
func RecordFSEvent(kind string) {
	fsEventsTotal.WithLabelValues(kind).Inc()
}

// RecordIgnoredEvent records an event dropped by the ignore filter.
func RecordIgnoredEvent() {
	ignoredEventsTotal.Inc()
}

// SetPendingFiles sets the number of files inside their quiet window.
func SetPendingFiles(n int) {
	pendingFiles.Set(float64(n))
}

// RecordSettled records a file handed out by a sweep.
func RecordSettled() {
	settledFilesTotal.Inc()
}

// RecordUpload records the outcome of a TryUpload call.
func RecordUpload(outcome string, bytes int64, duration time.Duration) {
	uploadsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		uploadBytesTotal.Add(float64(bytes))
	}
	uploadDuration.Observe(duration.Seconds())
}

// SetLedgerRecords sets the number of recorded identities.
func SetLedgerRecords(n int) {
	ledgerRecords.Set(float64(n))
}

// RecordLedgerCommit records a ledger commit result.
func RecordLedgerCommit(success bool) {
	ledgerCommitsTotal.WithLabelValues(status(success)).Inc()
}

// RecordBlobOperation records a blob store operation.
func RecordBlobOperation(backend, operation string, duration time.Duration, success bool) {
	blobOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	blobOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// SetStreamSubscribers sets the number of outcome stream subscribers.
func SetStreamSubscribers(n int) {
	streamSubscribers.Set(float64(n))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
