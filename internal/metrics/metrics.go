// Package metrics holds the Prometheus instruments for the consistency,
// dedupe and outbox components. Event content never reaches a label;
// event ids are hashed before they appear in logs or traces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the toolkit emits.
type Metrics struct {
	// Consistency
	TokensRejected *prometheus.CounterVec   // reason: tenant_mismatch, expired, malformed, bad_watermark
	RYWWaits       *prometheus.HistogramVec // outcome: satisfied, timeout, canceled
	RYWTimeouts    *prometheus.CounterVec

	// Dedupe
	DedupeDecisions    *prometheus.CounterVec // decision + reason labels
	DedupeStoreLatency prometheus.Histogram

	// Outbox
	OutboxPublished   *prometheus.CounterVec
	OutboxRetried     *prometheus.CounterVec
	OutboxQuarantined *prometheus.CounterVec
	OutboxClaimErrors prometheus.Counter
	PublishLatency    prometheus.Histogram

	// Housekeeping
	SweptRows *prometheus.CounterVec // table label
}

// New creates and registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokensRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consistency_tokens_rejected_total",
				Help: "Causality tokens treated as absent, by rejection reason",
			},
			[]string{"tenant", "reason"},
		),
		RYWWaits: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consistency_ryw_wait_seconds",
				Help:    "Time spent waiting for the tenant watermark to catch up",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"outcome"},
		),
		RYWTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consistency_ryw_timeouts_total",
				Help: "Read-your-writes waits that hit the deadline and proceeded stale",
			},
			[]string{"tenant"},
		),
		DedupeDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedupe_decisions_total",
				Help: "CheckAndMark outcomes by tenant, family and decision reason",
			},
			[]string{"tenant", "family", "decision"},
		),
		DedupeStoreLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dedupe_store_seconds",
				Help:    "Latency of the durable dedupe store insert/bump",
				Buckets: prometheus.DefBuckets,
			},
		),
		OutboxPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_published_total",
				Help: "Outbox rows published to the bus",
			},
			[]string{"tenant", "topic"},
		),
		OutboxRetried: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_retried_total",
				Help: "Outbox rows scheduled for retry after a publish failure",
			},
			[]string{"tenant", "topic"},
		),
		OutboxQuarantined: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_quarantined_total",
				Help: "Outbox rows moved to the quarantine state for operator attention",
			},
			[]string{"tenant", "topic"},
		),
		OutboxClaimErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "outbox_claim_errors_total",
				Help: "Drain cycles that failed to claim a batch from storage",
			},
		),
		PublishLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outbox_publish_seconds",
				Help:    "Latency of a single publish call including broker ack",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweptRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "housekeeping_swept_rows_total",
				Help: "Rows deleted by the retention sweeper",
			},
			[]string{"table"},
		),
	}
}

// NewNop returns a bundle registered on a throwaway registry, for tests and
// for components constructed without an explicit registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
