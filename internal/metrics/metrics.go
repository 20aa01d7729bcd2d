// Package metrics defines the Prometheus collectors exposed by the
// signaling and relay services on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SignalingActiveSessions tracks live signaling WebSocket sessions.
	SignalingActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lem",
		Subsystem: "signaling",
		Name:      "active_sessions",
		Help:      "Number of live signaling endpoint sessions.",
	})

	// SignalingRoutedFrames counts frames delivered between endpoints.
	SignalingRoutedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lem",
		Subsystem: "signaling",
		Name:      "routed_frames_total",
		Help:      "Total signaling frames routed to a target device, by type.",
	}, []string{"type"})

	// SignalingRoutingErrors counts frames that could not be delivered.
	SignalingRoutingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lem",
		Subsystem: "signaling",
		Name:      "routing_errors_total",
		Help:      "Total routing failures reported to senders, by reason.",
	}, []string{"reason"})

	// SignalingSupersessions counts connections replaced by a newer socket
	// for the same device id.
	SignalingSupersessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lem",
		Subsystem: "signaling",
		Name:      "supersessions_total",
		Help:      "Total signaling sessions closed because a newer connection arrived for the same device.",
	})

	// RelayActiveSessions tracks relay sessions with at least one endpoint.
	RelayActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lem",
		Subsystem: "relay",
		Name:      "active_sessions",
		Help:      "Number of relay sessions currently holding at least one endpoint.",
	})

	// RelaySessionsAdmitted counts endpoints admitted into relay sessions.
	RelaySessionsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lem",
		Subsystem: "relay",
		Name:      "sessions_admitted_total",
		Help:      "Total endpoints admitted into relay sessions.",
	})

	// RelaySessionsRejected counts refused relay connections.
	RelaySessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lem",
		Subsystem: "relay",
		Name:      "sessions_rejected_total",
		Help:      "Total relay connections refused, by reason.",
	}, []string{"reason"})

	// RelayBytesForwarded counts payload bytes copied between endpoints.
	RelayBytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lem",
		Subsystem: "relay",
		Name:      "bytes_forwarded_total",
		Help:      "Total binary payload bytes forwarded between relay endpoints, by direction.",
	}, []string{"direction"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
