package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spyglass_collector_records_processed_total",
		Help: "Records consumed from the intelligence source, per profile.",
	}, []string{"profile"})

	metricRecordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spyglass_collector_records_skipped_total",
		Help: "Malformed records skipped, per profile.",
	}, []string{"profile"})

	metricProfileFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spyglass_collector_profile_failures_total",
		Help: "Profile passes that ended in failure, per profile.",
	}, []string{"profile"})

	metricCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spyglass_collector_cycles_total",
		Help: "Collection cycles finalized.",
	})

	metricPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spyglass_collector_persist_failures_total",
		Help: "Per-record persistence failures absorbed without aborting a pass.",
	})
)
