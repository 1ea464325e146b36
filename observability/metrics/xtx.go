package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// XtxMetrics tracks the order lifecycle.
type XtxMetrics struct {
	transitions *prometheus.CounterVec
	bids        *prometheus.CounterVec
	dlq         prometheus.Gauge
	signals     prometheus.Gauge
}

var (
	xtxOnce     sync.Once
	xtxRegistry *XtxMetrics
)

// Xtx returns the lazily registered order metrics.
func Xtx() *XtxMetrics {
	xtxOnce.Do(func() {
		xtxRegistry = &XtxMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "circuit",
				Subsystem: "xtx",
				Name:      "transitions_total",
				Help:      "Count of order status transitions by target status.",
			}, []string{"status"}),
			bids: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "circuit",
				Subsystem: "xtx",
				Name:      "bids_total",
				Help:      "Count of side effect bids by outcome.",
			}, []string{"outcome"}),
			dlq: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "circuit",
				Subsystem: "xtx",
				Name:      "dlq_size",
				Help:      "Number of orders parked in the dead letter queue.",
			}),
			signals: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "circuit",
				Subsystem: "xtx",
				Name:      "signal_queue_depth",
				Help:      "Number of pending signals awaiting the block hook.",
			}),
		}
		prometheus.MustRegister(
			xtxRegistry.transitions,
			xtxRegistry.bids,
			xtxRegistry.dlq,
			xtxRegistry.signals,
		)
	})
	return xtxRegistry
}

func (m *XtxMetrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *XtxMetrics) ObserveBid(outcome string) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(outcome).Inc()
}

func (m *XtxMetrics) SetDLQSize(n int) {
	if m == nil {
		return
	}
	m.dlq.Set(float64(n))
}

func (m *XtxMetrics) SetSignalDepth(n int) {
	if m == nil {
		return
	}
	m.signals.Set(float64(n))
}
