// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest outcomes used as the "outcome" label.
const (
	OutcomeStored         = "stored"
	OutcomeDuplicate      = "duplicate"
	OutcomeBadRequest     = "bad_request"
	OutcomeNotFound       = "not_found"
	OutcomeNotProvisioned = "not_provisioned"
	OutcomeUnauthorized   = "unauthorized"
	OutcomeStorageError   = "storage_error"
)

var (
	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_total",
			Help: "Ingestion requests by outcome.",
		},
		[]string{"outcome"},
	)

	TimestampSourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_timestamp_source_total",
			Help: "Resolved reading timestamps by source (device clock or receipt time).",
		},
		[]string{"source"},
	)

	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_ingest_duration_seconds",
			Help:    "Time spent in the ingestion pipeline.",
			Buckets: prometheus.DefBuckets,
		},
	)

	LivenessFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_liveness_write_failures_total",
			Help: "Best-effort liveness marker writes that failed.",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		},
		[]string{"route", "method", "status"},
	)

	HistoryDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_history_dropped_total",
			Help: "Stored readings left out of a history series because their time could not be recovered.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		IngestTotal,
		TimestampSourceTotal,
		IngestDuration,
		LivenessFailures,
		HTTPRequestsTotal,
		HistoryDroppedTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
