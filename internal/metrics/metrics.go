package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wastesync_server_queue_length",
		Help: "Current number of operations waiting in the server sync queue.",
	})

	QueueOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wastesync_server_queue_operations_total",
		Help: "Operations finished by the server sync queue, by kind and outcome.",
	},
		[]string{"kind", "outcome"},
	)

	QueueRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastesync_server_queue_retries_total",
		Help: "Total number of transient failures re-queued for another attempt.",
	})

	TransactionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wastesync_transaction_transitions_total",
		Help: "Waste transaction state changes, by target status.",
	},
		[]string{"status"},
	)

	VerificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastesync_verification_failures_total",
		Help: "Payment attempts rejected because of a wrong, consumed or expired code.",
	})

	IdempotentReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastesync_idempotent_replays_total",
		Help: "Mutating requests answered from a recorded response.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wastesync_http_request_duration_seconds",
		Help:    "Latency of HTTP requests by route and status.",
		Buckets: prometheus.DefBuckets,
	},
		[]string{"method", "route", "status"},
	)
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeRejected  = "rejected"
	OutcomeExhausted = "exhausted"
)
