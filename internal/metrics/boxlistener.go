package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BoxListenerMetrics instruments the TCP listener accepting connections
// from the energy-storage controller.
type BoxListenerMetrics struct {
	activeConns    prometheus.Gauge
	acceptedConns  prometheus.Counter
	closedConns    *prometheus.CounterVec
	framesParsed   *prometheus.CounterVec
	frameCRCErrors prometheus.Counter
	frameLatency   *prometheus.HistogramVec
}

// NewBoxListenerMetrics creates the BOX listener collector set, or nil when
// the registry has not been initialized.
func NewBoxListenerMetrics() *BoxListenerMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &BoxListenerMetrics{
		activeConns: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "oigproxy_box_active_connections",
				Help: "Current number of open BOX-side TCP connections",
			},
		),
		acceptedConns: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "oigproxy_box_accepted_connections_total",
				Help: "Total BOX-side connections accepted",
			},
		),
		closedConns: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oigproxy_box_closed_connections_total",
				Help: "Total BOX-side connections closed by reason",
			},
			[]string{"reason"}, // "idle_timeout", "eof", "error", "shutdown"
		),
		framesParsed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oigproxy_box_frames_parsed_total",
				Help: "Total frames parsed from BOX connections by class",
			},
			[]string{"class"}, // event, mode, data, confirm, prms, unknown
		),
		frameCRCErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "oigproxy_box_frame_crc_errors_total",
				Help: "Total frames rejected for failing the CRC16 checksum",
			},
		),
		frameLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oigproxy_box_frame_handling_seconds",
				Help:    "Time to handle a single BOX frame end to end",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"class"},
		),
	}
}

func (m *BoxListenerMetrics) IncActiveConns() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
	m.acceptedConns.Inc()
}

func (m *BoxListenerMetrics) DecActiveConns(reason string) {
	if m == nil {
		return
	}
	m.activeConns.Dec()
	m.closedConns.WithLabelValues(reason).Inc()
}

func (m *BoxListenerMetrics) RecordFrame(class string, duration time.Duration) {
	if m == nil {
		return
	}
	m.framesParsed.WithLabelValues(class).Inc()
	m.frameLatency.WithLabelValues(class).Observe(duration.Seconds())
}

func (m *BoxListenerMetrics) RecordCRCError() {
	if m == nil {
		return
	}
	m.frameCRCErrors.Inc()
}
