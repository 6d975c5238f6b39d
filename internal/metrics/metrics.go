package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the framework.
type Registry struct {
	Sessions sessionMetrics
	Lobbies  lobbyMetrics
	Messages messageMetrics
	Errors   errorMetrics
}

type sessionMetrics struct {
	Active prometheus.Gauge
}

type lobbyMetrics struct {
	Active prometheus.GaugeVec
}

type messageMetrics struct {
	Received  prometheus.Counter
	Delivered prometheus.Counter
	FanOut    prometheus.Counter
}

type errorMetrics struct {
	Decode prometheus.Counter
	Accept prometheus.Counter
}

// NewRegistry creates the collectors on the default registerer.
func NewRegistry() *Registry {
	return &Registry{
		Sessions: sessionMetrics{
			Active: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tempest_sessions_active",
				Help: "Number of connected player sessions",
			}),
		},
		Lobbies: lobbyMetrics{
			Active: *promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tempest_lobbies_active",
				Help: "Number of live lobby workers per lobby type",
			}, []string{"type"}),
		},
		Messages: messageMetrics{
			Received: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tempest_messages_received_total",
				Help: "Total input envelopes read from clients",
			}),
			Delivered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tempest_messages_delivered_total",
				Help: "Total output envelopes enqueued to sessions",
			}),
			FanOut: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tempest_diff_fanout_total",
				Help: "Total per-recipient diff deliveries",
			}),
		},
		Errors: errorMetrics{
			Decode: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tempest_decode_errors_total",
				Help: "Total envelope and payload decode failures",
			}),
			Accept: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tempest_accept_errors_total",
				Help: "Total WebSocket accept/handshake failures",
			}),
		},
	}
}

// Handler exposes the collectors over HTTP.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
