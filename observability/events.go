package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking node events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "statechannels",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of node events segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "statechannels",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Count of events not delivered to a slow subscriber.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordEmitted increments the emitted counter for the event type.
func (m *eventMetrics) RecordEmitted(kind string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(normalizeKind(kind)).Inc()
}

// RecordDropped increments the dropped counter for the event type.
func (m *eventMetrics) RecordDropped(kind string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeKind(kind)).Inc()
}

func normalizeKind(kind string) string {
	normalized := strings.TrimSpace(strings.ToUpper(kind))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
