package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event stream
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nova_events_received_total",
			Help: "Channel events received",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nova_events_dropped_total",
			Help: "Channel events dropped as duplicate, stale or malformed",
		},
		[]string{"reason"},
	)

	Resubscribes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nova_resubscribes_total",
			Help: "Topic re-subscriptions after a reconnect",
		},
	)

	// Optimistic updates
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nova_messages_sent_total",
			Help: "Messages sent, by outcome",
		},
		[]string{"outcome"}, // "confirmed" or "rolled_back"
	)

	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nova_messages_deleted_total",
			Help: "Message deletions, by scope and outcome",
		},
		[]string{"scope", "outcome"},
	)

	// Chat list
	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nova_chatlist_refreshes_total",
			Help: "Chat list refreshes, by outcome",
		},
		[]string{"outcome"}, // "applied", "stale" or "failed"
	)

	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nova_chatlist_refresh_duration_seconds",
			Help:    "Chat list fetch latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Calls
	CallTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nova_call_transitions_total",
			Help: "Call state transitions",
		},
		[]string{"from", "to"},
	)

	CallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nova_call_duration_seconds",
			Help:    "Connected call duration",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
	)

	// Connectivity
	Connectivity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nova_connectivity_online",
			Help: "1 when the event channel is connected",
		},
	)
)
