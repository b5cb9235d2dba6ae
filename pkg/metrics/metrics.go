package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides pipeline metrics collection
type Collector struct {
	// Ingest Metrics
	IngestRecordsTotal   prometheus.Counter
	IngestMalformedTotal *prometheus.CounterVec
	IngestFilesTotal     *prometheus.CounterVec
	IngestDuration       prometheus.Histogram
	IngestBatchSize      prometheus.Histogram

	// Database Metrics
	DBQueryDuration *prometheus.HistogramVec
	DBErrorsTotal   *prometheus.CounterVec

	// Imputation Metrics
	ImputedRowsTotal   *prometheus.CounterVec
	ImputationOutcomes *prometheus.CounterVec

	// Audit Metrics
	AuditTaggedTotal *prometheus.CounterVec

	// Export Metrics
	ExportRowsTotal *prometheus.CounterVec
	ExportDuration  prometheus.Histogram

	// Pipeline Metrics
	StageDuration *prometheus.HistogramVec
	RunsTotal     *prometheus.CounterVec
}

// NewCollector creates a new metrics collector registered on reg.
// A nil reg falls back to the default Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		IngestRecordsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_records_total",
				Help:      "Total number of trip records written to the canonical store",
			},
		),

		IngestMalformedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_malformed_total",
				Help:      "Total number of dropped source rows by reason",
			},
			[]string{"reason"},
		),

		IngestFilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_files_total",
				Help:      "Total number of source files by outcome",
			},
			[]string{"outcome"}, // "loaded", "skipped", "schema_error"
		),

		IngestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_duration_seconds",
				Help:      "Duration of the ingest stage in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
		),

		IngestBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_batch_size",
				Help:      "Number of records per batch written to the store",
				Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000},
			},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Store query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.005, 0.02, 0.1, 0.5, 2, 10, 60, 300},
			},
			[]string{"query_type"},
		),

		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of store errors by type",
			},
			[]string{"error_type"},
		),

		ImputedRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "imputed_rows_total",
				Help:      "Total number of synthesized rows by target period",
			},
			[]string{"period"},
		),

		ImputationOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "imputation_outcomes_total",
				Help:      "Imputation decisions by outcome",
			},
			[]string{"outcome"}, // "synthesized", "present", "insufficient_history"
		),

		AuditTaggedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_tagged_total",
				Help:      "Total number of trips flagged by anomaly tag",
			},
			[]string{"tag"},
		),

		ExportRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_rows_total",
				Help:      "Rows written per export table",
			},
			[]string{"table"},
		),

		ExportDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "export_duration_seconds",
				Help:      "Duration of the export stage in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"stage"},
		),

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Completed pipeline runs by status",
			},
			[]string{"status"}, // "success", "failure"
		),
	}
}

// Timer provides timing functionality for operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer
func (c *Collector) NewTimer(histogram prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: histogram,
	}
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// RecordMalformed increments the dropped-row counter for a parse failure reason
func (c *Collector) RecordMalformed(reason string) {
	c.IngestMalformedTotal.WithLabelValues(reason).Inc()
}

// RecordFileOutcome increments the per-file outcome counter
func (c *Collector) RecordFileOutcome(outcome string) {
	c.IngestFilesTotal.WithLabelValues(outcome).Inc()
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordImputation counts one imputation decision and any synthesized rows
func (c *Collector) RecordImputation(period, outcome string, rows int64) {
	c.ImputationOutcomes.WithLabelValues(outcome).Inc()
	if rows > 0 {
		c.ImputedRowsTotal.WithLabelValues(period).Add(float64(rows))
	}
}

// RecordAuditTag adds flagged-trip counts for one anomaly tag
func (c *Collector) RecordAuditTag(tag string, count int64) {
	c.AuditTaggedTotal.WithLabelValues(tag).Add(float64(count))
}

// RecordExport adds the row count written for one export table
func (c *Collector) RecordExport(table string, rows int64) {
	c.ExportRowsTotal.WithLabelValues(table).Add(float64(rows))
}
