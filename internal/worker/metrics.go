package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricScansReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spyglass_reclaimer_scans_reclaimed_total",
		Help: "Scan runs forcibly timed out by the reclaimer.",
	})

	metricArchiveUploads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spyglass_archive_uploads_total",
		Help: "Raw store snapshots successfully uploaded.",
	})

	metricArchiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spyglass_archive_failures_total",
		Help: "Raw store archival attempts that failed.",
	})
)
