// Package metrics declares the Prometheus collectors for the service.
package metrics

import (
	"errors"
	"privaterag/types"

	"github.com/prometheus/client_golang/prometheus"
)

// LLMBuckets covers embedding and generation latencies from 10ms to 2m.
var LLMBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privaterag_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "privaterag_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privaterag_documents_ingested_total",
			Help: "Documents loaded into a collection",
		},
		[]string{"format"},
	)

	ChunksIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "privaterag_chunks_ingested_total",
			Help: "Chunks persisted across all collections",
		},
	)

	IngestFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privaterag_ingest_failures_total",
			Help: "Files skipped or batches failed during ingestion",
		},
		[]string{"reason"},
	)

	RetrievalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privaterag_retrievals_total",
			Help: "Retrieval requests by outcome",
		},
		[]string{"outcome"},
	)

	// StageDuration records time spent per pipeline stage (load, chunk,
	// embed, persist, search, generate).
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "privaterag_stage_duration_seconds",
			Help:    "Pipeline stage latency",
			Buckets: LLMBuckets,
		},
		[]string{"stage"},
	)

	PromptTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "privaterag_prompt_tokens",
			Help:    "Prompt size in tokens sent to the generator",
			Buckets: prometheus.ExponentialBuckets(64, 2, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		DocumentsIngested,
		ChunksIngested,
		IngestFailures,
		RetrievalsTotal,
		StageDuration,
		PromptTokens,
	)
}

// Reason buckets an error into a low-cardinality label value.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, types.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, types.ErrCollectionNotFound):
		return "collection_not_found"
	case errors.Is(err, types.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, types.ErrGenerationTimeout):
		return "timeout"
	case errors.Is(err, types.ErrStagingIO):
		return "staging_io"
	case errors.Is(err, types.ErrEmptyDocument):
		return "empty_document"
	default:
		return "other"
	}
}
