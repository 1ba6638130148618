package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsAccepted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_accepted_total",
			Help:      "Message-channel connections accepted past the origin check.",
		},
	)

	ConnectionsRejected = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_rejected_total",
			Help:      "Connections closed at handshake for a disallowed origin.",
		},
	)

	ConnectionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_active",
			Help:      "Currently open message-channel connections.",
		},
	)

	MessagesInbound = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_inbound_total",
			Help:      "Inbound envelopes by message type.",
		},
		[]string{"type"},
	)

	MessagesRejected = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_rejected_total",
			Help:      "Inbound envelopes rejected by the codec or session layer, by code.",
		},
		[]string{"code"},
	)
)
