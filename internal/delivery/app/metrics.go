package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	natsJobsReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "nats_jobs_received_total",
			Help:      "Total NATS delivery jobs received.",
		},
		[]string{"subject"},
	)

	deliveryAttemptsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "attempts_total",
			Help:      "Total delivery attempts by outcome.",
		},
		[]string{"provider_name", "outcome"}, // outcome: success, retryable_failure, terminal_failure, retries_exhausted, skipped_not_approved
	)

	providerRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "delivery",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of transport provider requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider_name"},
	)

	retriesDispatchedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "retries_dispatched_total",
			Help:      "Total due retries re-enqueued by the poller.",
		},
	)
)
