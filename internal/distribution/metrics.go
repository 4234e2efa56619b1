package distribution

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "distributor"

var (
	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "processed_total",
			Help:      "Total distribution messages processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	messageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "processing_duration_seconds",
			Help:      "Time to process a distribution message",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"queue"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total notification jobs enqueued by channel",
		},
		[]string{"channel"},
	)

	filterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "filter_errors_total",
			Help:      "Subscriptions skipped because their filters could not be evaluated",
		},
		[]string{"kind"},
	)

	attemptWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attempts",
			Name:      "write_failures_total",
			Help:      "Attempt log writes that failed by state",
		},
		[]string{"state"},
	)

	deliveryDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "decisions_total",
			Help:      "Transport decisions taken after processing (ack, retry, terminate)",
		},
		[]string{"queue", "action"},
	)
)

func recordMessageProcessed(queue, outcome string, duration time.Duration) {
	messagesProcessed.WithLabelValues(queue, outcome).Inc()
	messageDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func recordJobsEnqueued(channel string, count int) {
	jobsEnqueued.WithLabelValues(channel).Add(float64(count))
}

func recordFilterError(kind string) {
	filterErrors.WithLabelValues(kind).Inc()
}

func recordAttemptWriteFailure(state string) {
	attemptWriteFailures.WithLabelValues(state).Inc()
}

func recordDecision(queue string, action Action) {
	deliveryDecisions.WithLabelValues(queue, action.String()).Inc()
}
