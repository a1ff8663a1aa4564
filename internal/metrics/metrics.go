// Package metrics provides Prometheus instrumentation for the chat relay. It
// exposes gauges for connection and presence counts, counters for message and
// moderation throughput, and histograms for event handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks users with a registered route in the registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_online_users",
		Help: "Current number of users with a live route",
	})

	// MessagesTotal counts chat messages by outcome: "delivered", "queued",
	// "rejected" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"result"})

	// BacklogDelivered counts messages delivered by backlog flush on connect.
	BacklogDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_backlog_delivered_total",
		Help: "Messages delivered from the offline backlog",
	})

	// ModerationActions counts moderation outcomes: "delete", "flag", "none".
	ModerationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_moderation_actions_total",
		Help: "Moderation decisions by action",
	}, []string{"action"})

	// ModerationDropped counts jobs dropped because the queue was full or
	// already closed.
	ModerationDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_moderation_dropped_total",
		Help: "Moderation jobs dropped before evaluation",
	})

	// ModerationQueueDepth tracks pending moderation jobs.
	ModerationQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_moderation_queue_depth",
		Help: "Current number of queued moderation jobs",
	})

	// EventLatency records inbound event handling latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_event_latency_seconds",
		Help:    "Inbound event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		BacklogDelivered,
		ModerationActions,
		ModerationDropped,
		ModerationQueueDepth,
		EventLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
