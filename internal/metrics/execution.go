package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PlansCreated = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plans",
			Name:      "created_total",
			Help:      "Plans produced by plan-mode agent runs.",
		},
	)

	PlanTransitions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plans",
			Name:      "transitions_total",
			Help:      "Plan state machine transitions.",
		},
		[]string{"to"}, // approved, rejected, executed, expired
	)

	ExecutionsStarted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executions",
			Name:      "started_total",
			Help:      "Executions dequeued and started.",
		},
	)

	ExecutionsFinished = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executions",
			Name:      "finished_total",
			Help:      "Executions reaching a terminal state.",
		},
		[]string{"status"}, // completed, failed, aborted
	)

	ExecutionQueueDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executions",
			Name:      "queue_depth",
			Help:      "Total queued executions across all sessions.",
		},
	)

	ExecutionDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of executions from start to terminal event.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)
