package verdant

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	metricIngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdant_ingest_readings_total",
			Help: "Total number of readings submitted for ingest",
		},
		[]string{"sensor_type", "status"}, // status: accepted, rejected, failed
	)

	metricSkewRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verdant_ingest_skew_rejections_total",
			Help: "Total number of readings rejected by the clock skew check",
		},
	)

	// Alert metrics
	metricAlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdant_alerts_emitted_total",
			Help: "Total number of alert events emitted",
		},
		[]string{"sensor_type", "bound"},
	)

	metricAlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verdant_alerts_suppressed_total",
			Help: "Total number of violations suppressed by cooldown",
		},
	)

	// Query metrics
	metricQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verdant_query_duration_seconds",
			Help:    "Query execution latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"kind"}, // kind: range, latest, alerts
	)

	// Storage metrics
	metricWALSyncErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verdant_wal_sync_errors_total",
			Help: "Total number of background WAL sync failures",
		},
	)

	metricCheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verdant_checkpoint_duration_seconds",
			Help:    "Checkpoint write latency in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10},
		},
	)

	metricIntegrityFaults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verdant_index_integrity_faults_total",
			Help: "Total number of index integrity faults detected",
		},
	)
)
