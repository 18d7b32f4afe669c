package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	datagramsReceived *prometheus.CounterVec
	messagesForwarded prometheus.Counter
	messagesDropped   *prometheus.CounterVec
	invalidKeys       prometheus.Counter
	nameQueries       *prometheus.CounterVec
	sessionsCreated   prometheus.Counter
	sessionsRemoved   *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	wsConnections     prometheus.Gauge
	wsMessages        *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		datagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mchat_datagrams_received_total",
			Help: "UDP datagrams received on the chat port, by message kind",
		}, []string{"kind"}),
		messagesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mchat_messages_forwarded_total",
			Help: "Chat messages delivered to individual recipients",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mchat_messages_dropped_total",
			Help: "Messages dropped, by reason",
		}, []string{"reason"}),
		invalidKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mchat_invalid_key_total",
			Help: "Messages that failed to decrypt with the relay key",
		}),
		nameQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mchat_name_queries_total",
			Help: "Name duplication queries, by result",
		}, []string{"result"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mchat_sessions_created_total",
			Help: "Sessions registered",
		}),
		sessionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mchat_sessions_removed_total",
			Help: "Sessions removed, by reason",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mchat_active_sessions",
			Help: "Currently registered UDP sessions",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mchat_websocket_connections",
			Help: "Currently open WebSocket connections",
		}),
		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mchat_websocket_messages_total",
			Help: "WebSocket text frames received, by message kind",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.datagramsReceived,
		m.messagesForwarded,
		m.messagesDropped,
		m.invalidKeys,
		m.nameQueries,
		m.sessionsCreated,
		m.sessionsRemoved,
		m.activeSessions,
		m.wsConnections,
		m.wsMessages,
	)

	return m
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (used by tests)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordDatagram(kind string) {
	if m == nil {
		return
	}
	m.datagramsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordForwarded(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.messagesForwarded.Add(float64(count))
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordInvalidKey() {
	if m == nil {
		return
	}
	m.invalidKeys.Inc()
}

func (m *Metrics) RecordNameQuery(taken bool) {
	if m == nil {
		return
	}
	result := "free"
	if taken {
		result = "taken"
	}
	m.nameQueries.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.wsConnections.Set(float64(count))
}

func (m *Metrics) RecordWebSocketMessage(kind string) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(kind).Inc()
}

// SessionRegistered implements RegistryObserver
func (m *Metrics) SessionRegistered(_ Session, active int) {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.activeSessions.Set(float64(active))
}

// SessionRemoved implements RegistryObserver
func (m *Metrics) SessionRemoved(_ Session, reason RemoveReason, active int) {
	if m == nil {
		return
	}
	m.sessionsRemoved.WithLabelValues(reason.String()).Inc()
	m.activeSessions.Set(float64(active))
}
