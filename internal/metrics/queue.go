package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueMetrics instruments the BadgerDB-backed bounded FIFO used to replay
// messages the bus publisher could not deliver immediately.
type QueueMetrics struct {
	depth      prometheus.Gauge
	oldestAge  prometheus.Gauge
	enqueued   prometheus.Counter
	dropped    *prometheus.CounterVec
	dequeued   *prometheus.CounterVec
	deferred   prometheus.Counter
}

// NewQueueMetrics creates the queue collector set, or nil when the
// registry has not been initialized.
func NewQueueMetrics() *QueueMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &QueueMetrics{
		depth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "oigproxy_queue_depth",
				Help: "Current number of entries pending in the replay queue",
			},
		),
		oldestAge: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "oigproxy_queue_oldest_age_seconds",
				Help: "Age in seconds of the oldest pending queue entry",
			},
		),
		enqueued: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "oigproxy_queue_enqueued_total",
				Help: "Total entries appended to the replay queue",
			},
		),
		dropped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oigproxy_queue_dropped_total",
				Help: "Total entries dropped from the replay queue by reason",
			},
			[]string{"reason"}, // "capacity", "expired"
		),
		dequeued: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oigproxy_queue_dequeued_total",
				Help: "Total entries removed from the replay queue by outcome",
			},
			[]string{"outcome"}, // "delivered", "deferred"
		),
		deferred: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "oigproxy_queue_deferred_total",
				Help: "Total times an entry's retry was deferred",
			},
		),
	}
}

func (m *QueueMetrics) SetDepth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}

func (m *QueueMetrics) SetOldestAgeSeconds(age float64) {
	if m == nil {
		return
	}
	m.oldestAge.Set(age)
}

func (m *QueueMetrics) RecordEnqueue() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

func (m *QueueMetrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *QueueMetrics) RecordDequeue(outcome string) {
	if m == nil {
		return
	}
	m.dequeued.WithLabelValues(outcome).Inc()
}

func (m *QueueMetrics) RecordDefer() {
	if m == nil {
		return
	}
	m.deferred.Inc()
}
