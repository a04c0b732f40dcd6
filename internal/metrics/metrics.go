// Package metrics holds the prometheus collectors exported by the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the relay updates.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected prometheus.Counter
	EventsPublished     *prometheus.CounterVec
	DecodeErrors        *prometheus.CounterVec
	HandlerErrors       prometheus.Counter
	Drains              prometheus.Counter
	CurrentShard        prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "connections_active",
			Help:      "Currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "connections_total",
			Help:      "Connections opened since start.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "connections_rejected_total",
			Help:      "Connections closed at open because the server is shutting down.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "events_published_total",
			Help:      "Events published to shard topics, by event name.",
		}, []string{"event"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "decode_errors_total",
			Help:      "Frames skipped because they could not be decoded, by frame kind.",
		}, []string{"kind"}),
		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "handler_errors_total",
			Help:      "Event subscriber failures.",
		}),
		Drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "drain_total",
			Help:      "Times a connection's outbound buffer fell back under the backpressure watermark.",
		}),
		CurrentShard: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "current_shard",
			Help:      "Shard assigned to newly opened connections.",
		}),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionsRejected,
		m.EventsPublished,
		m.DecodeErrors,
		m.HandlerErrors,
		m.Drains,
		m.CurrentShard,
		collectors.NewGoCollector(),
	)
	m.CurrentShard.Set(1)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
