// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every collector the engine records into. A Registry is
// created once at startup and passed to each component.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsDenied  prometheus.Counter
	AuthFailures       prometheus.Counter
	RoomsActive        prometheus.Gauge
	RoomJoins          prometheus.Counter
	RoomLeaves         prometheus.Counter
	RoomKicks          prometheus.Counter
	EventsEmitted      *prometheus.CounterVec
	EventsDelivered    prometheus.Counter
	EventsDenied       prometheus.Counter
	EventsDropped      prometheus.Counter
	SendQueueOverflows prometheus.Counter
	BrokerConnected    prometheus.Gauge
	BrokerReconnects   prometheus.Counter
	BrokerMessages     prometheus.Counter
}

// New builds a Registry backed by its own prometheus.Registry so multiple
// engine instances (e.g. in tests) never collide on collector names.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_connections_active",
			Help: "Number of currently connected clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_connections_total",
			Help: "Total number of accepted client connections",
		}),
		ConnectionsDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_connections_denied_total",
			Help: "Connections refused before registration (rate limit or origin)",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_auth_failures_total",
			Help: "Handshake authentication failures",
		}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_rooms_active",
			Help: "Number of rooms with at least one local member",
		}),
		RoomJoins: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_room_joins_total",
			Help: "Successful room joins",
		}),
		RoomLeaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_room_leaves_total",
			Help: "Room leaves, including disconnect cleanup",
		}),
		RoomKicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_room_kicks_total",
			Help: "Forced removals from collaboration rooms",
		}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_events_emitted_total",
			Help: "Events accepted by the fanout engine, by kind",
		}, []string{"kind"}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_events_delivered_total",
			Help: "Per-recipient event deliveries",
		}),
		EventsDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_events_denied_total",
			Help: "Per-recipient deliveries suppressed by authorization policy",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_events_dropped_total",
			Help: "Events dropped by the global filter",
		}),
		SendQueueOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_send_queue_overflows_total",
			Help: "Deliveries lost because a client send queue was full",
		}),
		BrokerConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_broker_connected",
			Help: "1 when both replication broker connections are up",
		}),
		BrokerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_broker_reconnects_total",
			Help: "Broker reconnect events",
		}),
		BrokerMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_broker_messages_total",
			Help: "Replication messages received from peer instances",
		}),
	}
}

// Gatherer returns the prometheus gatherer backing this registry, for
// mounting the /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
