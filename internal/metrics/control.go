package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ControlMetrics instruments the control-plane API that accepts remote
// write requests for the BOX (mode changes, parameter writes).
type ControlMetrics struct {
	requests  *prometheus.CounterVec
	inflight  prometheus.Gauge
	pending   prometheus.Gauge
	applied   *prometheus.CounterVec
}

// NewControlMetrics creates the control-plane collector set, or nil when
// the registry has not been initialized.
func NewControlMetrics() *ControlMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &ControlMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oigproxy_control_requests_total",
				Help: "Total control write requests by HTTP outcome",
			},
			[]string{"status"}, // "accepted", "rejected", "bad_value", "not_whitelisted"
		),
		inflight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "oigproxy_control_inflight",
				Help: "Current number of control transactions awaiting a confirm",
			},
		),
		pending: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "oigproxy_control_pending_persisted",
				Help: "Current number of persisted pending control keys surviving restart",
			},
		),
		applied: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oigproxy_control_applied_total",
				Help: "Total control transactions resolved by outcome",
			},
			[]string{"outcome"}, // "confirmed", "superseded", "expired"
		),
	}
}

func (m *ControlMetrics) RecordRequest(status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
}

func (m *ControlMetrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(n))
}

func (m *ControlMetrics) SetPendingPersisted(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *ControlMetrics) RecordApplied(outcome string) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(outcome).Inc()
}
