package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics tracks peer message traffic.
type TransportMetrics struct {
	sent        *prometheus.CounterVec
	received    *prometheus.CounterVec
	throttled   *prometheus.CounterVec
	sendErrors  *prometheus.CounterVec
	connections prometheus.Gauge
}

var (
	transportOnce     sync.Once
	transportRegistry *TransportMetrics
)

func Transport() *TransportMetrics {
	transportOnce.Do(func() {
		transportRegistry = &TransportMetrics{
			sent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "statechannels_p2p_messages_sent_total",
				Help: "Count of protocol messages sent by protocol.",
			}, []string{"protocol"}),
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "statechannels_p2p_messages_received_total",
				Help: "Count of protocol messages received by protocol.",
			}, []string{"protocol"}),
			throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "statechannels_p2p_messages_throttled_total",
				Help: "Count of inbound messages rejected by the per-peer rate limiter.",
			}, []string{"peer"}),
			sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "statechannels_p2p_send_errors_total",
				Help: "Count of failed message deliveries by reason.",
			}, []string{"reason"}),
			connections: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "statechannels_p2p_connections",
				Help: "Open peer websocket connections.",
			}),
		}
		prometheus.MustRegister(
			transportRegistry.sent,
			transportRegistry.received,
			transportRegistry.throttled,
			transportRegistry.sendErrors,
			transportRegistry.connections,
		)
	})
	return transportRegistry
}

func (m *TransportMetrics) ObserveSent(protocol string) {
	if m == nil {
		return
	}
	if protocol == "" {
		protocol = "unknown"
	}
	m.sent.WithLabelValues(protocol).Inc()
}

func (m *TransportMetrics) ObserveReceived(protocol string) {
	if m == nil {
		return
	}
	if protocol == "" {
		protocol = "unknown"
	}
	m.received.WithLabelValues(protocol).Inc()
}

func (m *TransportMetrics) ObserveThrottled(peer string) {
	if m == nil {
		return
	}
	if peer == "" {
		peer = "unknown"
	}
	m.throttled.WithLabelValues(peer).Inc()
}

func (m *TransportMetrics) IncSendError(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.sendErrors.WithLabelValues(reason).Inc()
}

func (m *TransportMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *TransportMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
