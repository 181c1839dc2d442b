// Package metrics provides Prometheus instrumentation for the console
// realtime layer. It exposes gauges for connection and session counts,
// counters for event throughput, and reconnect tracking for the client side.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of WebSocket connections
	// held by the gateway, labeled by channel: "events" or "chat".
	ConnectionsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "console_connections_total",
		Help: "Current number of active WebSocket connections",
	}, []string{"channel"})

	// EventsPublished counts envelopes fanned out by the gateway, labeled
	// by event type.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "console_events_published_total",
		Help: "Total number of envelopes broadcast to clients",
	}, []string{"type"})

	// EventsReceived counts envelopes dispatched by a client connection
	// manager onto its event bus, labeled by event type.
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "console_events_received_total",
		Help: "Total number of envelopes received and dispatched by clients",
	}, []string{"type"})

	// FramesDropped counts inbound frames discarded because they failed to
	// parse as an envelope.
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "console_frames_dropped_total",
		Help: "Total number of malformed inbound frames dropped",
	})

	// ReconnectsTotal counts reconnect attempts made by client connection
	// managers.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "console_reconnects_total",
		Help: "Total number of client reconnect attempts",
	})

	// ActiveSessions tracks the current number of open chat sessions in the
	// gateway's ephemeral store.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_active_chat_sessions",
		Help: "Current number of open chat sessions",
	})

	// ChatMessagesTotal counts chat messages flowing through the chat
	// service, labeled by kind: "user" or "admin".
	ChatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "console_chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsPublished,
		EventsReceived,
		FramesDropped,
		ReconnectsTotal,
		ActiveSessions,
		ChatMessagesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
