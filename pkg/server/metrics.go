package server

import (
	"net/http"
	"time"

	"github.com/aeolun/chatcast/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server. Each server owns its
// registry so several servers can run in one process (tests do this).
// All methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	activeConnections prometheus.Gauge
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	transportFaults   prometheus.Counter

	// Message metrics
	messagesReceived  *prometheus.CounterVec // by kind
	messagesDropped   *prometheus.CounterVec // by kind
	messagesDelivered *prometheus.CounterVec // by kind
	deliveryFailures  prometheus.Counter
	decodeFailures    prometheus.Counter

	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec

	// Collaborator metrics
	storeFailures    prometheus.Counter
	localizeFailures prometheus.Counter
}

// NewMetrics creates the metric set on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatcast_active_connections",
			Help: "Current number of live WebSocket connections",
		}),
		connectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcast_connections_opened_total",
			Help: "Total number of connections accepted",
		}),
		connectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcast_connections_closed_total",
			Help: "Total number of connections closed",
		}),
		transportFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcast_transport_faults_total",
			Help: "Connections force-closed after a transport error",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcast_messages_received_total",
			Help: "Envelopes received from clients by kind",
		}, []string{"kind"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcast_messages_dropped_total",
			Help: "Envelopes received from clients and not relayed, by kind",
		}, []string{"kind"}),
		messagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcast_messages_delivered_total",
			Help: "Envelopes delivered to clients by kind",
		}, []string{"kind"}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcast_delivery_failures_total",
			Help: "Per-connection sends that failed",
		}),
		decodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcast_decode_failures_total",
			Help: "Inbound payloads that could not be decoded",
		}),
		broadcastFanout: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatcast_broadcast_fanout",
			Help:    "Number of clients that received each broadcast",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
		}, []string{"kind"}),
		broadcastDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatcast_broadcast_duration_seconds",
			Help:    "Time taken to broadcast an envelope to all connections",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		storeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcast_store_failures_total",
			Help: "Message store saves that failed",
		}),
		localizeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcast_localize_failures_total",
			Help: "Localized string lookups that fell back to English",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for gathering in tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordConnectionOpened(active int) {
	if m == nil {
		return
	}
	m.connectionsOpened.Inc()
	m.activeConnections.Set(float64(active))
}

func (m *Metrics) RecordConnectionClosed(active int) {
	if m == nil {
		return
	}
	m.connectionsClosed.Inc()
	m.activeConnections.Set(float64(active))
}

func (m *Metrics) RecordTransportFault() {
	if m == nil {
		return
	}
	m.transportFaults.Inc()
}

func (m *Metrics) RecordMessageReceived(kind protocol.Kind) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) RecordMessageDropped(kind protocol.Kind) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) RecordDelivered(kind protocol.Kind, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messagesDelivered.WithLabelValues(kind.String()).Add(float64(n))
}

// RecordBroadcast records fan-out, deliveries and duration of one broadcast
func (m *Metrics) RecordBroadcast(kind protocol.Kind, delivered int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := kind.String()
	m.broadcastFanout.WithLabelValues(label).Observe(float64(delivered))
	m.broadcastDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	m.RecordDelivered(kind, delivered)
}

func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) RecordStoreFailure() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}

func (m *Metrics) RecordLocalizeFailure() {
	if m == nil {
		return
	}
	m.localizeFailures.Inc()
}
