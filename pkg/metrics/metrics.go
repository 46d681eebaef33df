package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChannelConnects records push-channel connection attempts by result
	// (success|failure) as seen from the client engine.
	ChannelConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_channel_connects_total",
			Help: "Total number of push channel connection attempts",
		},
		[]string{"result"},
	)

	// EventsDispatched counts push events handed to subscribers, by event name.
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_dispatched_total",
			Help: "Total number of push events dispatched to handlers",
		},
		[]string{"event"},
	)

	// RealtimeClients tracks WebSocket subscribers connected to the hub.
	RealtimeClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_realtime_clients",
			Help: "Number of connected realtime subscribers",
		},
	)

	// PaymentOutcomes counts settled payment attempts (success|failed|cancelled).
	PaymentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_payment_outcomes_total",
			Help: "Total number of settled payment attempts",
		},
		[]string{"outcome"},
	)

	// AccessDecisions counts owner decisions on access requests (approved|denied|expired).
	AccessDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_access_decisions_total",
			Help: "Total number of access request decisions",
		},
		[]string{"decision"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
