package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeSkipped = "skipped"
	outcomeFailure = "failure"
	outcomePanic   = "panic"
)

var eventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_events_processed_total",
		Help: "Number of events processed, by type and outcome",
	},
	[]string{"type", "outcome"},
)

var eventProcessingLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orchestrator_event_processing_seconds",
		Help:    "Time taken to process one event",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	},
	[]string{"type"},
)

var eventClaimFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "orchestrator_event_claim_failures_total",
		Help: "Number of events this instance could not claim",
	},
)
