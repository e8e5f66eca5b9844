package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledConstructorsReturnNil(t *testing.T) {
	Reset()

	assert.False(t, IsEnabled())
	assert.Nil(t, NewCloudSessionMetrics())
	assert.Nil(t, NewQueueMetrics())
	assert.Nil(t, NewHybridMetrics())
	assert.Nil(t, NewBoxListenerMetrics())
	assert.Nil(t, NewControlMetrics())
	assert.Nil(t, NewBusMetrics())
}

func TestNilMetricsToleratesAllCalls(t *testing.T) {
	Reset()

	var cs *CloudSessionMetrics
	var q *QueueMetrics
	var h *HybridMetrics
	var bl *BoxListenerMetrics
	var c *ControlMetrics
	var b *BusMetrics

	assert.NotPanics(t, func() {
		cs.RecordConnectAttempt("success", 0)
		cs.RecordFrameSent()
		cs.RecordAck("ok", 0)
		cs.SetConnected(true)
		cs.SetReconnectBackoff(0)

		q.SetDepth(1)
		q.SetOldestAgeSeconds(1)
		q.RecordEnqueue()
		q.RecordDrop("capacity")
		q.RecordDequeue("delivered")
		q.RecordDefer()

		h.SetState("online")
		h.SetConsecutiveFailures(1)
		h.RecordSynthesizedFrame()

		bl.IncActiveConns()
		bl.DecActiveConns("eof")
		bl.RecordFrame("event", 0)
		bl.RecordCRCError()

		c.RecordRequest("accepted")
		c.SetInflight(1)
		c.SetPendingPersisted(1)
		c.RecordApplied("confirmed")

		b.RecordPublish("ok")
		b.SetConnected(true)
		b.RecordReplay(2)
	})
}

func TestInitRegistryEnablesConstructors(t *testing.T) {
	Reset()
	defer Reset()

	reg := InitRegistry()
	require.NotNil(t, reg)
	assert.True(t, IsEnabled())

	assert.NotNil(t, NewCloudSessionMetrics())
	assert.NotNil(t, NewQueueMetrics())
	assert.NotNil(t, NewHybridMetrics())
	assert.NotNil(t, NewBoxListenerMetrics())
	assert.NotNil(t, NewControlMetrics())
	assert.NotNil(t, NewBusMetrics())
}

func TestGetRegistryInitializesLazily(t *testing.T) {
	Reset()
	defer Reset()

	reg := GetRegistry()
	require.NotNil(t, reg)
	assert.True(t, IsEnabled())
}
