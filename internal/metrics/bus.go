package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusMetrics instruments the message bus publisher that forwards BOX
// events and status snapshots to the outward-facing topic tree.
type BusMetrics struct {
	published   *prometheus.CounterVec
	connected   prometheus.Gauge
	replayed    prometheus.Counter
	dispatchLat prometheus.Histogram
}

// NewBusMetrics creates the bus collector set, or nil when the registry
// has not been initialized.
func NewBusMetrics() *BusMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &BusMetrics{
		published: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oigproxy_bus_published_total",
				Help: "Total messages published to the bus by outcome",
			},
			[]string{"outcome"}, // "ok", "queued", "dropped"
		),
		connected: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "oigproxy_bus_connected",
				Help: "1 if the bus client is currently connected, 0 otherwise",
			},
		),
		replayed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "oigproxy_bus_replayed_total",
				Help: "Total queued messages replayed after reconnect",
			},
		),
		dispatchLat: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "oigproxy_bus_dispatch_seconds",
				Help:    "Time to dispatch a message to the bus client",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
	}
}

func (m *BusMetrics) RecordPublish(outcome string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(outcome).Inc()
}

func (m *BusMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *BusMetrics) RecordReplay(n int) {
	if m == nil {
		return
	}
	for i := 0; i < n; i++ {
		m.replayed.Inc()
	}
}
