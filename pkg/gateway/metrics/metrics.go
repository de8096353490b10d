// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every gauge and counter the gateway reports.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsOpen   *prometheus.GaugeVec
	SessionsActive    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsEnded     *prometheus.CounterVec
	TransfersStarted  prometheus.Counter
	TransfersAccepted prometheus.Counter
	TransfersNoAgent  prometheus.Counter
	EventsRelayed     *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	AgentsRegistered  prometheus.Gauge
	AgentsAvailable   prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConnectionsOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicedesk_connections_open",
			Help: "Open signaling connections by role.",
		}, []string{"role"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicedesk_sessions_active",
			Help: "Sessions not yet ended.",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicedesk_sessions_started_total",
			Help: "Sessions created.",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedesk_sessions_ended_total",
			Help: "Sessions ended, by reason.",
		}, []string{"reason"}),
		TransfersStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicedesk_transfers_started_total",
			Help: "Handoff attempts dispatched to the agent pool.",
		}),
		TransfersAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicedesk_transfers_accepted_total",
			Help: "Handoff attempts won by an agent.",
		}),
		TransfersNoAgent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicedesk_transfers_no_agent_total",
			Help: "No-agents-available notices sent to customers.",
		}),
		EventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedesk_events_relayed_total",
			Help: "Peer-to-peer frames forwarded, by event type.",
		}, []string{"type"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedesk_events_dropped_total",
			Help: "Frames dropped instead of forwarded, by cause.",
		}, []string{"cause"}),
		AgentsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicedesk_agents_registered",
			Help: "Human agents currently registered.",
		}),
		AgentsAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicedesk_agents_available",
			Help: "Human agents currently accepting calls.",
		}),
	}
}

// Handler serves the scrape endpoint for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
