package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreated = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total number of sessions created via pairing redemption.",
		},
	)

	SessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of currently live sessions.",
		},
	)

	SessionsExpired = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "expired_total",
			Help:      "Sessions removed by the periodic sweep.",
		},
	)

	SessionsRevoked = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "revoked_total",
			Help:      "Sessions removed via explicit revocation or emergency kill.",
		},
	)

	TokenRotations = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "token_rotations_total",
			Help:      "Bearer token rotations performed on admission/resolution.",
		},
	)

	AdmissionResults = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "admissions_total",
			Help:      "Command admission decisions by outcome.",
		},
		[]string{"result"}, // admitted, rate_limited, replay
	)

	ReplayDetected = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "replay_detected_total",
			Help:      "Commands rejected because their fingerprint was already seen.",
		},
	)

	RateLimitBackoffLevel = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "rate_limit_backoff_seconds",
			Help:      "Distribution of back-off durations applied by the rate limiter.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 60},
		},
	)
)
