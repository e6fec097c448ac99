package observability

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	chanerrors "statechannels/core/errors"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	protocolMetricsOnce sync.Once
	protocolRegistry    *ProtocolMetrics

	storeMetricsOnce sync.Once
	storeRegistry    *StoreMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording JSON-RPC
// method activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "statechannels",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "statechannels",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "statechannels",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC method handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "statechannels",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected before reaching a handler.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a method call. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "unauthorized" or "rate_limit".
func (m *moduleMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// ProtocolMetrics tracks protocol runs executed by the engine.
type ProtocolMetrics struct {
	runs           *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	timeouts       *prometheus.CounterVec
	droppedReplies *prometheus.CounterVec
	inflight       *prometheus.GaugeVec
}

// Protocol returns the singleton protocol metrics registry.
func Protocol() *ProtocolMetrics {
	protocolMetricsOnce.Do(func() {
		protocolRegistry = &ProtocolMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "statechannels",
				Subsystem: "protocol",
				Name:      "runs_total",
				Help:      "Count of protocol runs segmented by protocol, role and outcome.",
			}, []string{"protocol", "role", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "statechannels",
				Subsystem: "protocol",
				Name:      "run_duration_seconds",
				Help:      "Wall clock duration of protocol runs including network round trips.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"protocol", "role"}),
			timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "statechannels",
				Subsystem: "protocol",
				Name:      "messaging_timeouts_total",
				Help:      "Count of send-and-wait exchanges that expired before a reply arrived.",
			}, []string{"protocol"}),
			droppedReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "statechannels",
				Subsystem: "protocol",
				Name:      "dropped_replies_total",
				Help:      "Count of replies that matched no pending exchange.",
			}, []string{"protocol"}),
			inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "statechannels",
				Subsystem: "protocol",
				Name:      "inflight_runs",
				Help:      "Protocol runs currently executing.",
			}, []string{"protocol"}),
		}
		prometheus.MustRegister(
			protocolRegistry.runs,
			protocolRegistry.latency,
			protocolRegistry.timeouts,
			protocolRegistry.droppedReplies,
			protocolRegistry.inflight,
		)
	})
	return protocolRegistry
}

// Begin marks a run as started and returns the callback that records its
// outcome.
func (m *ProtocolMetrics) Begin(protocol, role string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	m.inflight.WithLabelValues(protocol).Inc()
	return func(err error) {
		m.inflight.WithLabelValues(protocol).Dec()
		m.runs.WithLabelValues(protocol, role, outcomeLabel(err)).Inc()
		m.latency.WithLabelValues(protocol, role).Observe(time.Since(start).Seconds())
	}
}

// RecordTimeout counts an expired send-and-wait.
func (m *ProtocolMetrics) RecordTimeout(protocol string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(labelOrUnknown(protocol)).Inc()
}

// RecordDroppedReply counts a reply that arrived with no waiter.
func (m *ProtocolMetrics) RecordDroppedReply(protocol string) {
	if m == nil {
		return
	}
	m.droppedReplies.WithLabelValues(labelOrUnknown(protocol)).Inc()
}

// StoreMetrics tracks channel store operations.
type StoreMetrics struct {
	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// Store returns the singleton store metrics registry.
func Store() *StoreMetrics {
	storeMetricsOnce.Do(func() {
		storeRegistry = &StoreMetrics{
			ops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "statechannels",
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Count of channel store operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "statechannels",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for channel store operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(storeRegistry.ops, storeRegistry.latency)
	})
	return storeRegistry
}

// Observe records one store operation.
func (m *StoreMetrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, chanerrors.ErrChannelNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	m.ops.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, chanerrors.ErrMessagingTimeout):
		return "timeout"
	case errors.Is(err, chanerrors.ErrRemoteAborted):
		return "remote_abort"
	case errors.Is(err, chanerrors.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, chanerrors.ErrStaleChannelState):
		return "stale"
	default:
		return "error"
	}
}

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
