// Package metrics exposes engine counters in Prometheus format.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"

	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Metrics holds the engine collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	sends         *prometheus.CounterVec
	reconnects    prometheus.Counter
	snapshots     *prometheus.CounterVec
	mailboxDrops  prometheus.Counter
	connection    *prometheus.GaugeVec
	unreadTotal   prometheus.Gauge
	restDurations *prometheus.HistogramVec
}

// New registers the engine collectors in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_total",
			Help:      "Inbound transport events delivered to the engine.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_dropped_total",
			Help:      "Inbound transport events dropped as unknown or malformed.",
		}, []string{"event"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outgoing messages by mode and outcome.",
		}, []string{"mode", "outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled transport reconnect attempts.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_fetches_total",
			Help:      "Conversation list fetches by outcome.",
		}, []string{"outcome"}),
		mailboxDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_dropped_total",
			Help:      "Inputs dropped because the engine mailbox was full.",
		}),
		connection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		unreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_messages",
			Help:      "Derived total of unread messages.",
		}),
		restDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rest_request_duration_seconds",
			Help:      "Directory API request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op", "outcome"}),
	}
	m.registry.MustRegister(
		m.events, m.dropped, m.sends, m.reconnects, m.snapshots,
		m.mailboxDrops, m.connection, m.unreadTotal, m.restDurations,
	)
	return m
}

// Registry returns the registry holding the engine collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Event counts a delivered transport event.
func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

// Dropped counts a dropped transport event.
func (m *Metrics) Dropped(name string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(name).Inc()
}

// Send counts a send outcome ("pending", "confirmed", "failed").
func (m *Metrics) Send(mode, outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(mode, outcome).Inc()
}

// Reconnect counts a scheduled reconnect.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Snapshot counts a conversation list fetch.
func (m *Metrics) Snapshot(ok bool) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(outcome(ok)).Inc()
}

// MailboxDrop counts an input lost to a full mailbox.
func (m *Metrics) MailboxDrop() {
	if m == nil {
		return
	}
	m.mailboxDrops.Inc()
}

// Connection records the current connection state.
func (m *Metrics) Connection(state types.ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range []types.ConnectionState{
		types.StateDisconnected, types.StateConnecting,
		types.StateConnected, types.StateReconnecting,
	} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connection.WithLabelValues(string(s)).Set(v)
	}
}

// Unread records the derived unread total.
func (m *Metrics) Unread(total uint) {
	if m == nil {
		return
	}
	m.unreadTotal.Set(float64(total))
}

// Request observes a directory call.
func (m *Metrics) Request(op string, seconds float64, ok bool) {
	if m == nil {
		return
	}
	m.restDurations.WithLabelValues(op, outcome(ok)).Observe(seconds)
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
