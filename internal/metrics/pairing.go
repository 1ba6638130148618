package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PairingCodesIssued = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "codes_issued_total",
			Help:      "Pairing codes issued.",
		},
	)

	PairingRedemptions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "redemptions_total",
			Help:      "Pairing code redemption attempts by outcome.",
		},
		[]string{"result"}, // accepted, rejected
	)
)
