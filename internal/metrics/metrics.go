// Package metrics provides Prometheus instrumentation for the Lumen chat
// gateway. It exposes gauges for connection counts, counters for message and
// call-signal throughput, and a histogram for dispatch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedClients tracks the current number of active WebSocket connections.
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lumen_connected_clients",
		Help: "Current number of active WebSocket connections",
	})

	// AuthedUsers tracks the current number of distinct authenticated users.
	AuthedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lumen_authed_users",
		Help: "Current number of distinct authenticated users",
	})

	// MessagesTotal counts chat message operations, labeled by action:
	// "sent", "edited", "deleted", or "marked_read".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lumen_messages_total",
		Help: "Total number of chat message operations",
	}, []string{"action"})

	// NotificationsTotal counts new-message notifications pushed to clients.
	NotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumen_notifications_total",
		Help: "Total number of new-message notifications pushed",
	})

	// CallSignalsTotal counts call signaling documents relayed, labeled by
	// kind: "offer", "answer", "decline", or "end".
	CallSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lumen_call_signals_total",
		Help: "Total number of call signals relayed",
	}, []string{"kind"})

	// MarkReadFailures counts store errors while flipping messages to read.
	MarkReadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumen_mark_read_failures_total",
		Help: "Total number of failed mark-read store updates",
	})

	// DispatchLatency records client message dispatch latency in seconds.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lumen_dispatch_latency_seconds",
		Help:    "Client message dispatch latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectedClients,
		AuthedUsers,
		MessagesTotal,
		NotificationsTotal,
		CallSignalsTotal,
		MarkReadFailures,
		DispatchLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
