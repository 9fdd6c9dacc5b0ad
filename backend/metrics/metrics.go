package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayEndpoints tracks websocket endpoints currently connected to the relay.
	RelayEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webrtc_call_relay_endpoints",
			Help: "Number of connected signaling endpoints",
		},
	)

	// RelayForwarded counts announcements delivered by the relay, by type.
	RelayForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrtc_call_relay_forwarded_total",
			Help: "Total number of announcements forwarded to an endpoint",
		},
		[]string{"type"},
	)

	// RelayDropped counts announcements the relay could not deliver (no_endpoint|dead_endpoint|invalid).
	RelayDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrtc_call_relay_dropped_total",
			Help: "Total number of announcements dropped by the relay",
		},
		[]string{"reason"},
	)

	// CallOutcomes counts terminal call transitions on the client side.
	CallOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrtc_call_outcomes_total",
			Help: "Total number of finished calls by terminal status and reason",
		},
		[]string{"status", "reason"},
	)

	// CallSetup measures time from ringing until the peer link is connected.
	CallSetup = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webrtc_call_setup_seconds",
			Help:    "Time from call start until media is connected",
			Buckets: prometheus.DefBuckets,
		},
	)
)
