package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DocumentsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "documents_ingested_total",
			Help: "Total attachments uploaded and recorded",
		},
	)

	DuplicatesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "documents_duplicates_skipped_total",
			Help: "Total attachments skipped by content dedup",
		},
	)

	IngestFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_attachment_failures_total",
			Help: "Total per-attachment ingest failures",
		},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total jobs finished COMPLETED, by type",
		},
		[]string{"job_type"},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total jobs finished FAILED, by type",
		},
		[]string{"job_type"},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total manual job retries accepted",
		},
	)

	VendorDispatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vendor_dispatches_total",
			Help: "Total vendor batches queued to the OCR engine",
		},
	)

	VendorDispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vendor_dispatch_failures_total",
			Help: "Total vendor batches that failed to queue",
		},
	)

	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Wall time of one mail ingestion run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

func Init() {
	prometheus.MustRegister(
		DocumentsIngested,
		DuplicatesSkipped,
		IngestFailures,
		JobsCompleted,
		JobsFailed,
		JobsRetried,
		VendorDispatches,
		VendorDispatchFailures,
		IngestDuration,
	)
}
