package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Send pipeline
	SendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_send_attempts_total",
			Help: "Send attempts by principal kind and final state",
		},
		[]string{"principal", "state"},
	)

	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_quota_rejections_total",
			Help: "Sends blocked by the free-tier entitlement gate",
		},
	)

	ResponderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "companion_responder_duration_seconds",
			Help:    "AI responder call duration",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"outcome"},
	)

	// Entitlement persistence
	CounterRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_entitlement_rollbacks_total",
			Help: "Optimistic counter or credit mutations rolled back after a failed write",
		},
		[]string{"counter"},
	)

	// Realtime
	RealtimeDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_realtime_deliveries_total",
			Help: "Realtime rows delivered to sessions, by merge result",
		},
		[]string{"result"}, // "inserted" or "duplicate"
	)

	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "companion_open_sessions",
			Help: "Chat sessions currently open",
		},
	)
)
