package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeAdmitted = "admitted"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
	OutcomeFatal    = "fatal"
)

var (
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txn_admission_decisions_total",
		Help: "Admission decisions, labeled by outcome",
	}, []string{"outcome"})

	ContentionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txn_contention_retries_total",
		Help: "Attempts rolled back because of lock-wait timeout or deadlock",
	})

	SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "txn_submit_duration_seconds",
		Help:    "Latency of a Submit call including retries",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txn_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txn_outbox_published_total",
		Help: "Outbox messages handled by the relay, labeled by result",
	}, []string{"result"})
)
