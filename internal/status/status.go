// Package status publishes a periodic retained snapshot of the proxy's
// runtime state, plus a one-line heartbeat log on the same ticker.
package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marmos91/oig-proxy/internal/control"
	"github.com/marmos91/oig-proxy/internal/hybrid"
	"github.com/marmos91/oig-proxy/internal/logger"
	"github.com/marmos91/oig-proxy/internal/metrics"
)

// minInterval is the floor on status_interval_s, kept for compatibility
// with existing deployments that assume at-most-once-a-minute snapshots.
const minInterval = 60 * time.Second

// Publisher publishes a retained bus message.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// BoxState reports BOX-listener derived readiness facts.
type BoxState interface {
	BoxConnected() bool
	DataFreshFor() (time.Duration, bool)
	DeviceIDKnown() (string, bool)
}

// CloudState reports the cloud session's lifetime counters and current
// connection state.
type CloudState interface {
	IsConnected() bool
	Stats() CloudStats
}

// CloudStats mirrors cloudsession.Stats's fields without importing that
// package, so a caller can adapt cloudsession.Session.Stats() directly.
type CloudStats struct {
	Connects    uint64
	Disconnects uint64
	Errors      uint64
	Timeouts    uint64
}

// QueueDepth reports the outbound bus replay queue's current size.
type QueueDepth interface {
	Size() (int, error)
}

// ControlState reports the control pipeline's current queue/inflight
// shape.
type ControlState interface {
	Snapshot() control.Summary
}

// Sources bundles every component the snapshot reads from. Any interface
// field may be left nil; the corresponding snapshot section is then
// omitted or left at its zero value.
type Sources struct {
	Namespace string
	SessionID string
	Publisher Publisher
	Hybrid    *hybrid.Machine
	Box       BoxState
	Cloud     CloudState
	Queue     QueueDepth
	Control   ControlState
}

// snapshot is the JSON payload published on NS/{device_id}/proxy_status.
type snapshot struct {
	Mode            string   `json:"mode"`
	SessionID       string   `json:"session_id"`
	DeviceID        string   `json:"device_id,omitempty"`
	BoxConnected    bool     `json:"box_connected"`
	CloudConnected  bool     `json:"cloud_connected"`
	DataRecent      bool     `json:"data_recent"`
	CloudConnects   uint64   `json:"cloud_connects"`
	CloudDisconnect uint64   `json:"cloud_disconnects"`
	CloudTimeouts   uint64   `json:"cloud_timeouts"`
	CloudErrors     uint64   `json:"cloud_errors"`
	QueueDepth      int      `json:"queue_depth"`
	ControlQueued   []string `json:"control_queued,omitempty"`
	ControlInflight string   `json:"control_inflight,omitempty"`
}

// Reporter runs the periodic snapshot publish and heartbeat log loop.
type Reporter struct {
	src            Sources
	interval       time.Duration
	controlMetrics *metrics.ControlMetrics
}

// New constructs a Reporter. interval is raised to minInterval if lower.
// controlMetrics may be nil (every method on it tolerates a nil
// receiver); pass metrics.NewControlMetrics() to surface the inflight
// and pending-persisted gauges on the Prometheus registry too.
func New(src Sources, interval time.Duration, controlMetrics *metrics.ControlMetrics) *Reporter {
	if interval < minInterval {
		interval = minInterval
	}
	return &Reporter{src: src, interval: interval, controlMetrics: controlMetrics}
}

// Run publishes a snapshot and logs a heartbeat every interval, until ctx
// is cancelled. It runs once immediately on entry so a fresh subscriber
// doesn't wait a full interval for the first snapshot.
func (r *Reporter) Run(ctx context.Context) {
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reporter) tick(ctx context.Context) {
	snap := r.build()

	logger.InfoCtx(ctx, "proxy status heartbeat",
		logger.SessionID(snap.SessionID),
		"mode", snap.Mode,
		"box_connected", snap.BoxConnected,
		"cloud_connected", snap.CloudConnected,
		"queue_depth", snap.QueueDepth,
	)

	if r.src.Publisher == nil {
		return
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		logger.WarnCtx(ctx, "status snapshot marshal failed", logger.Err(err))
		return
	}

	deviceSegment := snap.DeviceID
	if deviceSegment == "" {
		deviceSegment = "AUTO"
	}
	topic := r.src.Namespace + "/" + deviceSegment + "/proxy_status"
	if err := r.src.Publisher.Publish(topic, payload, true); err != nil {
		logger.WarnCtx(ctx, "status snapshot publish failed", logger.Err(err))
	}
}

func (r *Reporter) build() snapshot {
	snap := snapshot{Mode: "unknown", SessionID: r.src.SessionID}

	if r.src.Hybrid != nil {
		state := r.src.Hybrid.State()
		snap.Mode = string(state.ConfiguredMode)
	}

	if r.src.Box != nil {
		snap.BoxConnected = r.src.Box.BoxConnected()
		if deviceID, ok := r.src.Box.DeviceIDKnown(); ok {
			snap.DeviceID = deviceID
		}
		if freshFor, ok := r.src.Box.DataFreshFor(); ok {
			snap.DataRecent = freshFor <= 30*time.Second
		}
	}

	if r.src.Cloud != nil {
		snap.CloudConnected = r.src.Cloud.IsConnected()
		stats := r.src.Cloud.Stats()
		snap.CloudConnects = stats.Connects
		snap.CloudDisconnect = stats.Disconnects
		snap.CloudTimeouts = stats.Timeouts
		snap.CloudErrors = stats.Errors
	}

	if r.src.Queue != nil {
		if depth, err := r.src.Queue.Size(); err == nil {
			snap.QueueDepth = depth
		}
	}

	if r.src.Control != nil {
		summary := r.src.Control.Snapshot()
		snap.ControlQueued = summary.QueuedKeys
		snap.ControlInflight = summary.Inflight

		inflightCount := 0
		if summary.Inflight != "" {
			inflightCount = 1
		}
		r.controlMetrics.SetInflight(inflightCount)
		r.controlMetrics.SetPendingPersisted(len(summary.QueuedKeys) + inflightCount)
	}

	return snap
}
