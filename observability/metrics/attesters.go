package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// AttesterMetrics tracks batches and slashing.
type AttesterMetrics struct {
	batches    *prometheus.CounterVec
	signatures *prometheus.CounterVec
	slashes    *prometheus.CounterVec
	activeSet  prometheus.Gauge
}

var (
	attestersOnce     sync.Once
	attestersRegistry *AttesterMetrics
)

// Attesters returns the lazily registered attester metrics.
func Attesters() *AttesterMetrics {
	attestersOnce.Do(func() {
		attestersRegistry = &AttesterMetrics{
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "circuit",
				Subsystem: "attesters",
				Name:      "batch_transitions_total",
				Help:      "Count of batch status transitions by target and status.",
			}, []string{"target", "status"}),
			signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "circuit",
				Subsystem: "attesters",
				Name:      "signatures_total",
				Help:      "Count of attestation signatures accepted by target.",
			}, []string{"target"}),
			slashes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "circuit",
				Subsystem: "attesters",
				Name:      "permanent_slashes_total",
				Help:      "Count of permanent slashes by reason.",
			}, []string{"reason"}),
			activeSet: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "circuit",
				Subsystem: "attesters",
				Name:      "active_set_size",
				Help:      "Number of attesters in the active set.",
			}),
		}
		prometheus.MustRegister(
			attestersRegistry.batches,
			attestersRegistry.signatures,
			attestersRegistry.slashes,
			attestersRegistry.activeSet,
		)
	})
	return attestersRegistry
}

func (m *AttesterMetrics) ObserveBatch(target, status string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(target, status).Inc()
}

func (m *AttesterMetrics) ObserveSignature(target string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(target).Inc()
}

func (m *AttesterMetrics) ObserveSlash(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.slashes.WithLabelValues(reason).Add(float64(count))
}

func (m *AttesterMetrics) SetActiveSet(n int) {
	if m == nil {
		return
	}
	m.activeSet.Set(float64(n))
}
