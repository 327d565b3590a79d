// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Currently registered relay sessions",
		},
	)

	TopicsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_topics_active",
			Help: "Topics with at least one registered session",
		},
	)

	// Event metrics
	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_persisted_total",
			Help: "Chat messages persisted before broadcast",
		},
	)

	LikesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_likes_applied_total",
			Help: "Like increments applied",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Inbound events dropped without a broadcast",
		},
		[]string{"reason"}, // invalid, not_found, rate_limited, storage, bus_channel
	)

	// Fan-out metrics
	Broadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Payloads fanned out to a topic",
		},
	)

	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_failures_total",
			Help: "Per-session delivery failures during fan-out",
		},
		[]string{"reason"}, // slow_consumer, closed, publish
	)

	// Storage metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_store_latency_seconds",
			Help:    "Persistence gateway call latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)

	StoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_store_failures_total",
			Help: "Persistence gateway calls that failed with a storage error",
		},
		[]string{"op"},
	)
)
