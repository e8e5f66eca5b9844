package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HybridMetrics instruments the online/hybrid/offline state machine that
// decides whether the proxy talks to the cloud or synthesizes responses.
type HybridMetrics struct {
	state             *prometheus.GaugeVec
	transitions       *prometheus.CounterVec
	consecutiveFails  prometheus.Gauge
	synthesizedFrames prometheus.Counter
}

const (
	hybridStateOnline  = "online"
	hybridStateHybrid  = "hybrid"
	hybridStateOffline = "offline"
)

// NewHybridMetrics creates the hybrid state machine collector set, or nil
// when the registry has not been initialized.
func NewHybridMetrics() *HybridMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &HybridMetrics{
		state: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oigproxy_hybrid_state",
				Help: "1 for the currently active hybrid state, 0 for the others",
			},
			[]string{"state"}, // "online", "hybrid", "offline"
		),
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oigproxy_hybrid_transitions_total",
				Help: "Total hybrid state transitions by destination state",
			},
			[]string{"to"},
		),
		consecutiveFails: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "oigproxy_hybrid_consecutive_failures",
				Help: "Current consecutive cloud failure count",
			},
		),
		synthesizedFrames: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "oigproxy_hybrid_synthesized_frames_total",
				Help: "Total frames answered locally instead of by the cloud",
			},
		),
	}
}

func (m *HybridMetrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{hybridStateOnline, hybridStateHybrid, hybridStateOffline} {
		if s == state {
			m.state.WithLabelValues(s).Set(1)
		} else {
			m.state.WithLabelValues(s).Set(0)
		}
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *HybridMetrics) SetConsecutiveFailures(n int) {
	if m == nil {
		return
	}
	m.consecutiveFails.Set(float64(n))
}

func (m *HybridMetrics) RecordSynthesizedFrame() {
	if m == nil {
		return
	}
	m.synthesizedFrames.Inc()
}
