package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"clonechain/core/events"
)

type eventMetrics struct {
	emitted  *prometheus.CounterVec
	sequence prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured protocol events. It
// satisfies events.Emitter so it can sit in the engine's fanout.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clone",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of protocol events segmented by type.",
			}, []string{"type"}),
			sequence: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "clone",
				Subsystem: "events",
				Name:      "last_sequence",
				Help:      "Highest event id observed.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.sequence)
	})
	return eventRegistry
}

// Emit implements events.Emitter.
func (m *eventMetrics) Emit(e events.Event) {
	if m == nil || e == nil {
		return
	}
	m.RecordEvent(e.EventType())
	if seq, ok := e.(events.Sequenced); ok {
		m.sequence.Set(float64(seq.SequenceID()))
	}
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}
