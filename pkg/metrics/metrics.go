package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Source (OpenAlex) metrics
	SourcePages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openalex_producer_source_pages_total",
			Help: "Total number of pages fetched from the upstream source",
		},
	)

	SourceRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openalex_producer_source_retries_total",
			Help: "Total number of transient fetch failures that were retried",
		},
	)

	// Validation metrics
	RecordsValidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openalex_producer_records_validated_total",
			Help: "Total number of records that passed validation",
		},
	)

	RecordsInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openalex_producer_records_invalid_total",
			Help: "Total number of records rejected by validation",
		},
		[]string{"reason"},
	)

	// Batch metrics
	BatchesSealed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openalex_producer_batches_sealed_total",
			Help: "Total number of batches sealed for dispatch",
		},
	)

	InflightBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "openalex_producer_inflight_batches",
			Help: "Number of batches currently being dispatched",
		},
	)

	// Dispatch metrics
	RecordsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openalex_producer_records_accepted_total",
			Help: "Total number of records accepted by the ingestion endpoint",
		},
	)

	RecordsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openalex_producer_records_rejected_total",
			Help: "Total number of per-record rejections returned by the endpoint",
		},
	)

	RecordsDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openalex_producer_records_dead_lettered_total",
			Help: "Total number of records written to the dead-letter sink",
		},
	)

	TransportFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openalex_producer_transport_failures_total",
			Help: "Total number of whole-batch transport failures",
		},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openalex_producer_dispatch_duration_seconds",
			Help:    "Duration of a full batch dispatch including retries",
			Buckets: prometheus.DefBuckets,
		},
	)
)
