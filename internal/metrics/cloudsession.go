package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CloudSessionMetrics instruments the single outbound TCP session to the
// vendor cloud endpoint. All methods tolerate a nil receiver.
type CloudSessionMetrics struct {
	connectAttempts  *prometheus.CounterVec
	connectDuration  prometheus.Histogram
	framesSent       prometheus.Counter
	acksReceived     *prometheus.CounterVec
	ackLatency       prometheus.Histogram
	sessionState     prometheus.Gauge
	reconnectBackoff prometheus.Gauge
}

// NewCloudSessionMetrics creates the cloud session collector set, or nil
// when the registry has not been initialized.
func NewCloudSessionMetrics() *CloudSessionMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &CloudSessionMetrics{
		connectAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oigproxy_cloud_connect_attempts_total",
				Help: "Total cloud connection attempts by outcome",
			},
			[]string{"outcome"}, // "success", "timeout", "refused", "error"
		),
		connectDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "oigproxy_cloud_connect_duration_seconds",
				Help:    "Time taken to establish the cloud TCP connection",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),
		framesSent: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "oigproxy_cloud_frames_sent_total",
				Help: "Total frames forwarded to the cloud endpoint",
			},
		),
		acksReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oigproxy_cloud_acks_total",
				Help: "Total acknowledgements received from the cloud endpoint by outcome",
			},
			[]string{"outcome"}, // "ok", "timeout", "malformed"
		),
		ackLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "oigproxy_cloud_ack_latency_seconds",
				Help:    "Time between sending a frame and receiving its acknowledgement",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		sessionState: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "oigproxy_cloud_session_connected",
				Help: "1 if the cloud session is currently connected, 0 otherwise",
			},
		),
		reconnectBackoff: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "oigproxy_cloud_reconnect_backoff_seconds",
				Help: "Current reconnect backoff interval in seconds",
			},
		),
	}
}

func (m *CloudSessionMetrics) RecordConnectAttempt(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.connectDuration.Observe(duration.Seconds())
	}
}

func (m *CloudSessionMetrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *CloudSessionMetrics) RecordAck(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.acksReceived.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.ackLatency.Observe(latency.Seconds())
	}
}

func (m *CloudSessionMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.sessionState.Set(1)
	} else {
		m.sessionState.Set(0)
	}
}

func (m *CloudSessionMetrics) SetReconnectBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.reconnectBackoff.Set(d.Seconds())
}
