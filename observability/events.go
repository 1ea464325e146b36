package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"circuit/core/events"
	"circuit/core/types"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the registry counting runtime events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "circuit",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed runtime events segmented by module and type.",
			}, []string{"module", "type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Emit implements events.Emitter so the registry can sit in the runtime's
// emitter chain.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	typ := strings.TrimSpace(evt.EventType())
	if typ == "" {
		return
	}
	module := types.EventModule(typ)
	if module == "" {
		module = "unknown"
	}
	m.emitted.WithLabelValues(module, typ).Inc()
}

// EventCounter exposes the counter of one module and type.
func EventCounter(module, typ string) prometheus.Counter {
	return Events().emitted.WithLabelValues(module, typ)
}
