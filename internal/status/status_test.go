package status

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/oig-proxy/internal/control"
	"github.com/marmos91/oig-proxy/internal/hybrid"
)

type recordedPublish struct {
	topic   string
	payload []byte
	retain  bool
}

type fakePublisher struct {
	mu        sync.Mutex
	published []recordedPublish
}

func (p *fakePublisher) Publish(topic string, payload []byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, recordedPublish{topic: topic, payload: payload, retain: retain})
	return nil
}

func (p *fakePublisher) last(t *testing.T) recordedPublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.published)
	return p.published[len(p.published)-1]
}

type fakeBox struct {
	connected bool
	freshFor  time.Duration
	fresh     bool
	deviceID  string
	known     bool
}

func (b fakeBox) BoxConnected() bool                        { return b.connected }
func (b fakeBox) DataFreshFor() (time.Duration, bool)       { return b.freshFor, b.fresh }
func (b fakeBox) DeviceIDKnown() (string, bool)             { return b.deviceID, b.known }

type fakeCloud struct {
	connected bool
	stats     CloudStats
}

func (c fakeCloud) IsConnected() bool  { return c.connected }
func (c fakeCloud) Stats() CloudStats { return c.stats }

type fakeQueue struct{ depth int }

func (q fakeQueue) Size() (int, error) { return q.depth, nil }

type fakeControl struct{ summary control.Summary }

func (c fakeControl) Snapshot() control.Summary { return c.summary }

func TestBuildAssemblesEveryNonNilSource(t *testing.T) {
	machine := hybrid.New(hybrid.Config{Mode: hybrid.ModeHybrid})

	r := New(Sources{
		Namespace: "NS",
		SessionID: "sess-1",
		Hybrid:    machine,
		Box:       fakeBox{connected: true, freshFor: time.Second, fresh: true, deviceID: "DEV1", known: true},
		Cloud:     fakeCloud{connected: true, stats: CloudStats{Connects: 2, Errors: 1}},
		Queue:     fakeQueue{depth: 3},
		Control:   fakeControl{summary: control.Summary{QueuedKeys: []string{"tbl_box_prms/SA"}, Inflight: "tbl_box_prms/MODE=3 (sent, attempt 1)"}},
	}, 0, nil)

	snap := r.build()

	assert.Equal(t, "hybrid", snap.Mode)
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, "DEV1", snap.DeviceID)
	assert.True(t, snap.BoxConnected)
	assert.True(t, snap.DataRecent)
	assert.True(t, snap.CloudConnected)
	assert.Equal(t, uint64(2), snap.CloudConnects)
	assert.Equal(t, uint64(1), snap.CloudErrors)
	assert.Equal(t, 3, snap.QueueDepth)
	assert.Equal(t, []string{"tbl_box_prms/SA"}, snap.ControlQueued)
	assert.NotEmpty(t, snap.ControlInflight)
}

func TestBuildToleratesAllNilSources(t *testing.T) {
	r := New(Sources{Namespace: "NS", SessionID: "sess-1"}, 0, nil)
	snap := r.build()

	assert.Equal(t, "unknown", snap.Mode)
	assert.False(t, snap.BoxConnected)
	assert.False(t, snap.CloudConnected)
	assert.Empty(t, snap.ControlQueued)
}

func TestNewClampsIntervalToFloor(t *testing.T) {
	r := New(Sources{}, time.Second, nil)
	assert.Equal(t, minInterval, r.interval)
}

func TestRunPublishesImmediatelyAndStopsOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	r := New(Sources{
		Namespace: "NS",
		SessionID: "sess-1",
		Publisher: pub,
		Box:       fakeBox{connected: true, deviceID: "DEV1", known: true},
	}, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.published) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	publish := pub.last(t)
	assert.Equal(t, "NS/DEV1/proxy_status", publish.topic)
	assert.True(t, publish.retain)

	var decoded snapshot
	require.NoError(t, json.Unmarshal(publish.payload, &decoded))
	assert.True(t, decoded.BoxConnected)
}

func TestTopicFallsBackToAutoWhenDeviceIDUnknown(t *testing.T) {
	pub := &fakePublisher{}
	r := New(Sources{Namespace: "NS", SessionID: "sess-1", Publisher: pub}, time.Hour, nil)

	r.tick(context.Background())

	assert.Equal(t, "NS/AUTO/proxy_status", pub.last(t).topic)
}
