package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for AttemptsTotal.
const (
	OutcomeSent       = "sent"
	OutcomeFailed     = "failed"
	OutcomeRejected   = "rejected"
	OutcomePaused     = "paused"
	OutcomeNoCampaign = "campaign_missing"
)

var (
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailqueue_attempts_total",
			Help: "Email attempts processed by the delivery worker, by outcome",
		},
		[]string{"outcome"},
	)

	ConnectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailqueue_connection_failures_total",
			Help: "Failed attempts to open an SMTP connection, by relay host",
		},
		[]string{"host"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailqueue_tick_duration_seconds",
			Help:    "Duration of one delivery worker iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailqueue_store_queue_depth",
			Help: "Operations waiting in the serialized store queue",
		},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailqueue_notifications_failed_total",
			Help: "Snapshot publications that could not be delivered, by publisher",
		},
		[]string{"publisher"},
	)
)
