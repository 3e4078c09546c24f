// Package telemetry exposes the Prometheus counters, histograms, and gauge
// the ingest daemon needs to answer spec §8's testable properties
// (processed_ok/processed_err, upload duration, queue depth) without
// scraping logs. OTel trace/metric export is out of scope (§1); these are
// cheap, in-process counters only.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilesProcessed counts successfully uploaded files.
	FilesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestd_files_processed_total",
		Help: "Files uploaded successfully.",
	})

	// FilesFailed counts files that failed processing at any pipeline step.
	FilesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestd_files_failed_total",
		Help: "Files that failed processing.",
	})

	// UploadDuration records the wall-clock time of each successful blob
	// upload call.
	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingestd_upload_duration_seconds",
		Help:    "Upload duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // ~0.1s .. ~13 min
	})

	// FileSize records the byte size of each uploaded file.
	FileSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingestd_file_size_bytes",
		Help:    "Uploaded file size in bytes.",
		Buckets: prometheus.ExponentialBuckets(1<<16, 4, 12), // 64KiB .. ~256GiB
	})

	// QueueDepth is the current number of items buffered in the work queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestd_queue_depth",
		Help: "Current work queue depth.",
	})

	// ScanErrors counts transient watcher/reaper filesystem errors.
	ScanErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestd_scan_errors_total",
		Help: "Transient NFS scan/walk errors encountered by the watcher or reaper.",
	})

	// ReaperMarkersDeleted counts completion markers unlinked by the reaper.
	ReaperMarkersDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestd_reaper_markers_deleted_total",
		Help: "Completion markers deleted by the reaper.",
	})

	// ReaperDirsPruned counts empty directories removed by the reaper.
	ReaperDirsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestd_reaper_dirs_pruned_total",
		Help: "Empty directories pruned by the reaper.",
	})
)
