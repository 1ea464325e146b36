package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// HeaderMetrics tracks light client progress per gateway.
type HeaderMetrics struct {
	imported      *prometheus.CounterVec
	bestFinalized *prometheus.GaugeVec
	rejected      *prometheus.CounterVec
}

var (
	headersOnce     sync.Once
	headersRegistry *HeaderMetrics
)

// Headers returns the lazily registered header metrics.
func Headers() *HeaderMetrics {
	headersOnce.Do(func() {
		headersRegistry = &HeaderMetrics{
			imported: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "circuit",
				Subsystem: "headers",
				Name:      "imported_total",
				Help:      "Count of remote headers written to the header store by gateway.",
			}, []string{"gateway"}),
			bestFinalized: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "circuit",
				Subsystem: "headers",
				Name:      "best_finalized",
				Help:      "Number of the best finalized header by gateway.",
			}, []string{"gateway"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "circuit",
				Subsystem: "headers",
				Name:      "rejected_total",
				Help:      "Count of rejected header submissions by gateway and reason.",
			}, []string{"gateway", "reason"}),
		}
		prometheus.MustRegister(
			headersRegistry.imported,
			headersRegistry.bestFinalized,
			headersRegistry.rejected,
		)
	})
	return headersRegistry
}

func (m *HeaderMetrics) ObserveImported(gateway string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.imported.WithLabelValues(gateway).Add(float64(count))
}

func (m *HeaderMetrics) SetBestFinalized(gateway string, number uint64) {
	if m == nil {
		return
	}
	m.bestFinalized.WithLabelValues(gateway).Set(float64(number))
}

func (m *HeaderMetrics) ObserveRejected(gateway, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejected.WithLabelValues(gateway, reason).Inc()
}
