package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_messages_enqueued_total",
			Help: "Total number of messages accepted into a queue",
		},
		[]string{"queue"},
	)

	messagesDeduplicatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_messages_deduplicated_total",
			Help: "Total number of enqueue requests suppressed by deduplication",
		},
		[]string{"queue"},
	)

	messagesClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_messages_claimed_total",
			Help: "Total number of messages handed to workers",
		},
		[]string{"queue"},
	)

	claimsRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_claims_rate_limited_total",
			Help: "Total number of claim requests rejected by per-queue rate limits",
		},
		[]string{"queue"},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quern_attempts_total",
			Help: "Total number of processing attempts by outcome",
		},
		[]string{"outcome"},
	)

	processingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quern_processing_duration_seconds",
			Help:    "Time from claim to acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
	)

	sweepReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quern_sweep_reclaimed_total",
			Help: "Total number of expired claims reclaimed by the sweeper",
		},
	)

	sweepExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quern_sweep_expired_total",
			Help: "Total number of messages expired by TTL",
		},
	)

	queueDepthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quern_queue_depth",
			Help: "Current number of pending and scheduled messages per queue",
		},
		[]string{"queue"},
	)
)
