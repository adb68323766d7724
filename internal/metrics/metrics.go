// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slashlive_connections",
			Help: "Currently open websocket connections",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slashlive_online_users",
			Help: "Users with at least one open connection",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashlive_connections_rejected_total",
			Help: "Upgrade attempts refused by the auth gate",
		},
		[]string{"reason"},
	)

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashlive_inbound_events_total",
			Help: "Client requests handled, by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slashlive_handler_duration_seconds",
			Help:    "Time spent handling one client request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	FanoutDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashlive_fanout_delivered_total",
			Help: "Frames handed to connection send queues",
		},
		[]string{"event"},
	)

	FanoutDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashlive_fanout_dropped_total",
			Help: "Frames dropped because a send queue was full or closed",
		},
		[]string{"event"},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashlive_presence_transitions_total",
			Help: "Presence transitions processed, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slashlive_queue_depth",
			Help: "Items waiting in a background worker queue",
		},
		[]string{"queue"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slashlive_notifications_total",
			Help: "Offline notifications, by outcome",
		},
		[]string{"outcome"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slashlive_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)
