package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline-wide Prometheus collectors. All metrics live under the rewrite_
// namespace and are registered on the default registry, exposed via /metrics.
var (
	// TriggersEnqueued counts accepted trigger-queue enqueues.
	TriggersEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rewrite",
		Name:      "triggers_enqueued_total",
		Help:      "Number of trigger queue entries accepted",
	})

	// TriggersProcessed counts trigger entries by outcome
	// (completed, retried, failed, canceled).
	TriggersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewrite",
		Name:      "triggers_processed_total",
		Help:      "Number of trigger queue entries processed, by outcome",
	}, []string{"outcome"})

	// JobsClaimed counts job claims by phase (submit, collect).
	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewrite",
		Name:      "jobs_claimed_total",
		Help:      "Number of rewrite jobs claimed, by phase",
	}, []string{"phase"})

	// JobsTerminal counts jobs reaching a terminal state
	// (completed, failed, canceled).
	JobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewrite",
		Name:      "jobs_terminal_total",
		Help:      "Number of rewrite jobs reaching a terminal status",
	}, []string{"status"})

	// BatchesSubmitted counts provider batch submissions by result
	// (ok, error).
	BatchesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewrite",
		Name:      "batches_submitted_total",
		Help:      "Number of provider batches submitted, by result",
	}, []string{"result"})

	// BatchPollDuration observes provider batch status poll latency.
	BatchPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rewrite",
		Name:      "batch_poll_duration_seconds",
		Help:      "Latency of provider batch status polls",
		Buckets:   prometheus.DefBuckets,
	})

	// StaleReclaimed counts watchdog reclaims by entity (trigger, job).
	StaleReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewrite",
		Name:      "stale_reclaimed_total",
		Help:      "Number of stale processing rows reclaimed by the watchdog",
	}, []string{"entity"})

	// ExhaustedTerminalized counts terminalizer sweeps by entity
	// (trigger, job).
	ExhaustedTerminalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewrite",
		Name:      "exhausted_terminalized_total",
		Help:      "Number of attempt-exhausted rows moved to failed",
	}, []string{"entity"})

	// HTTPRequestDuration observes API handler latency by route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rewrite",
		Name:      "http_request_duration_seconds",
		Help:      "Latency of HTTP API requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)
