// Package metric manages Prometheus metrics for the relay core.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lenslink"

// Metrics contains the relay core metrics shared across components.
type Metrics struct {
	SessionsActive       prometheus.Gauge
	AppConnectionsActive prometheus.Gauge
	StreamsActive        prometheus.Gauge

	Reconnections    prometheus.Counter
	SessionsDisposed prometheus.Counter
	AuthFailures     *prometheus.CounterVec

	MessagesReceived *prometheus.CounterVec
	MessagesRelayed  *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	HeartbeatsSent   prometheus.Counter
	HeartbeatsAcked  prometheus.Counter
	HeartbeatsMissed prometheus.Counter
	StreamTimeouts   prometheus.Counter

	WebhookDeliveries *prometheus.CounterVec
	AudioBytes        prometheus.Counter
}

// Registry wraps a dedicated Prometheus registry with the relay metrics
// pre-registered.
type Registry struct {
	registry *prometheus.Registry
	Metrics  *Metrics
}

// NewRegistry creates a registry with all relay core metrics plus the Go
// runtime collectors.
func NewRegistry() *Registry {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live or grace-period sessions",
		}),
		AppConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "apps",
			Name:      "connections_active",
			Help:      "Number of attached App connections",
		}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "active",
			Help:      "Number of tracked outbound media streams",
		}),
		Reconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "reconnections_total",
			Help:      "Device reconnections within the grace period",
		}),
		SessionsDisposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "disposed_total",
			Help:      "Sessions destroyed after the grace period elapsed",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "auth_failures_total",
			Help:      "Rejected connection attempts by reason",
		}, []string{"endpoint", "reason"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Messages received by origin and type",
		}, []string{"origin", "type"}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "relayed_total",
			Help:      "Messages relayed to subscribed Apps by stream type",
		}, []string{"stream"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Messages dropped by reason",
		}, []string{"reason"}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "heartbeats_sent_total",
			Help:      "Keep-alive heartbeats sent",
		}),
		HeartbeatsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "heartbeats_acked_total",
			Help:      "Keep-alive heartbeats acknowledged",
		}),
		HeartbeatsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "heartbeats_missed_total",
			Help:      "Keep-alive heartbeats that timed out without an ack",
		}),
		StreamTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "timeouts_total",
			Help:      "Streams transitioned to TIMEOUT",
		}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "App webhook deliveries by kind and status",
		}, []string{"kind", "status"}),
		AudioBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "bytes_total",
			Help:      "Binary audio bytes routed to the audio pipeline",
		}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		m.SessionsActive,
		m.AppConnectionsActive,
		m.StreamsActive,
		m.Reconnections,
		m.SessionsDisposed,
		m.AuthFailures,
		m.MessagesReceived,
		m.MessagesRelayed,
		m.MessagesDropped,
		m.HeartbeatsSent,
		m.HeartbeatsAcked,
		m.HeartbeatsMissed,
		m.StreamTimeouts,
		m.WebhookDeliveries,
		m.AudioBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{registry: registry, Metrics: m}
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler returns an HTTP handler serving the metrics in Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
