// Package metrics holds the prometheus collectors shared by room sessions and
// the relay. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codesync"

// Relay message outcomes.
const (
	RelayRelayed     = "relayed"
	RelayInvalid     = "invalid"
	RelayRateLimited = "rate_limited"
)

type Metrics struct {
	registry *prometheus.Registry

	broadcasts      prometheus.Counter
	remoteUpdates   prometheus.Counter
	malformedFrames prometheus.Counter
	channelStates   *prometheus.CounterVec

	completions *prometheus.CounterVec

	relayConnections prometheus.Gauge
	relayRooms       prometheus.Gauge
	relayMessages    *prometheus.CounterVec
}

// New registers every collector on a fresh registry so tests and multiple
// sessions in one process never collide on the global one.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Local edits broadcast to the room.",
		}),
		remoteUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_updates_total",
			Help:      "Remote document replacements applied.",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they failed to decode.",
		}),
		channelStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_state_transitions_total",
			Help:      "Connection channel state transitions by target state.",
		}, []string{"state"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion requests by outcome.",
		}, []string{"outcome"}),
		relayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay websocket connections.",
		}),
		relayRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_rooms",
			Help:      "Rooms with at least one connected client.",
		}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Inbound relay frames by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		m.broadcasts,
		m.remoteUpdates,
		m.malformedFrames,
		m.channelStates,
		m.completions,
		m.relayConnections,
		m.relayRooms,
		m.relayMessages,
	)

	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

func (m *Metrics) RemoteUpdate() {
	if m != nil {
		m.remoteUpdates.Inc()
	}
}

func (m *Metrics) MalformedFrame() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

func (m *Metrics) ChannelState(state string) {
	if m != nil {
		m.channelStates.WithLabelValues(state).Inc()
	}
}

// Completion records one completion outcome: issued, applied, stale or failed.
func (m *Metrics) Completion(outcome string) {
	if m != nil {
		m.completions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RelayConnections(delta float64) {
	if m != nil {
		m.relayConnections.Add(delta)
	}
}

func (m *Metrics) RelayRooms(n int) {
	if m != nil {
		m.relayRooms.Set(float64(n))
	}
}

func (m *Metrics) RelayMessage(result string) {
	if m != nil {
		m.relayMessages.WithLabelValues(result).Inc()
	}
}
