package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentProcessesSpawned = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "spawned_total",
			Help:      "Agent subprocesses spawned, by kind and mode.",
		},
		[]string{"kind", "mode"}, // plan, one_shot
	)

	AgentProcessesExited = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "exited_total",
			Help:      "Agent subprocess exits, by kind and result.",
		},
		[]string{"kind", "result"}, // success, nonzero_exit
	)

	AgentOutputBytes = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "output_bytes_total",
			Help:      "Bytes of subprocess output streamed, by stream.",
		},
		[]string{"stream"}, // stdout, stderr
	)

	AgentOutputTruncations = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "output_truncated_total",
			Help:      "Output events emitted after their stream's ring buffer has evicted output.",
		},
	)

	AgentKills = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "kills_total",
			Help:      "Subprocess teardown actions, by method.",
		},
		[]string{"method"}, // polite, hard
	)
)
