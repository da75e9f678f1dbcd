// Package metrics provides Prometheus metrics for xmlflat
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for xmlflat
type Metrics struct {
	// Processing runs
	RunsTotal   *prometheus.CounterVec
	RunDuration prometheus.Histogram

	// Documents
	DocumentsSplitTotal   *prometheus.CounterVec
	DocumentsFlattenTotal *prometheus.CounterVec
	DuplicateDocuments    prometheus.Counter

	// Store
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec

	// Output
	RowsMaterializedTotal *prometheus.CounterVec

	// HTTP API
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}

	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlflat_runs_total",
			Help: "Total number of processing runs by result",
		},
		[]string{"result"},
	)

	m.RunDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xmlflat_run_duration_seconds",
			Help:    "Duration of processing runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.DocumentsSplitTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlflat_documents_split_total",
			Help: "Total number of split documents by validity",
		},
		[]string{"validity"},
	)

	m.DocumentsFlattenTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlflat_documents_flattened_total",
			Help: "Total number of flattened documents by status",
		},
		[]string{"status"},
	)

	m.DuplicateDocuments = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "xmlflat_duplicate_documents_total",
			Help: "Total number of documents whose fingerprint was already seen in the run",
		},
	)

	m.DbOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlflat_db_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "status"},
	)

	m.DbOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xmlflat_db_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.RowsMaterializedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlflat_rows_materialized_total",
			Help: "Total number of output rows by document type",
		},
		[]string{"type"},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlflat_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "status"},
	)

	return m
}

// RecordRun records a processing run
func (m *Metrics) RecordRun(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

// RecordSplit records the split outcome
func (m *Metrics) RecordSplit(valid, invalid int) {
	if m == nil {
		return
	}
	m.DocumentsSplitTotal.WithLabelValues("valid").Add(float64(valid))
	m.DocumentsSplitTotal.WithLabelValues("invalid").Add(float64(invalid))
}

// RecordFlatten records one flattened document
func (m *Metrics) RecordFlatten(err error) {
	if m == nil {
		return
	}
	m.DocumentsFlattenTotal.WithLabelValues(status(err)).Inc()
}

// RecordDuplicate records a duplicate document
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateDocuments.Inc()
}

// RecordDbOperation records a store operation
func (m *Metrics) RecordDbOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.DbOperationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRows records materialized rows of a type
func (m *Metrics) RecordRows(typ string, n int) {
	if m == nil {
		return
	}
	m.RowsMaterializedTotal.WithLabelValues(typ).Add(float64(n))
}

// RecordHTTP records an API request
func (m *Metrics) RecordHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, httpClass(code)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func httpClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
