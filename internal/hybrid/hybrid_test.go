package hybrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOnlineModeAlwaysTriesCloud(t *testing.T) {
	m := New(Config{Mode: ModeOnline})
	assert.True(t, m.ShouldTryCloud())
	m.RecordFailure("cloud_timeout")
	assert.True(t, m.ShouldTryCloud())
}

func TestOfflineModeNeverTriesCloud(t *testing.T) {
	m := New(Config{Mode: ModeOffline})
	assert.False(t, m.ShouldTryCloud())
	assert.True(t, m.ForceOfflineEnabled())
}

func TestHybridTransitionsToOfflineAfterThreshold(t *testing.T) {
	m := New(Config{Mode: ModeHybrid, FailThreshold: 3, RetryInterval: time.Hour})

	assert.True(t, m.ShouldTryCloud())
	m.RecordFailure("cloud_timeout")
	m.RecordFailure("cloud_timeout")
	assert.True(t, m.ShouldTryCloud(), "should still try before hitting threshold")

	m.RecordFailure("cloud_timeout")
	state := m.State()
	assert.True(t, state.InOffline)
	assert.Equal(t, 3, state.FailCount)
	assert.Equal(t, "cloud_timeout", state.LastReason)

	assert.False(t, m.ShouldTryCloud(), "retry interval has not elapsed")
}

func TestHybridRetriesAfterIntervalElapses(t *testing.T) {
	m := New(Config{Mode: ModeHybrid, FailThreshold: 1, RetryInterval: 10 * time.Millisecond})

	m.RecordFailure("cloud_error")
	assert.False(t, m.ShouldTryCloud())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.ShouldTryCloud())
}

func TestHybridRecordSuccessResetsState(t *testing.T) {
	m := New(Config{Mode: ModeHybrid, FailThreshold: 1, RetryInterval: time.Hour})

	m.RecordFailure("cloud_error")
	assert.True(t, m.State().InOffline)

	m.RecordSuccess()
	state := m.State()
	assert.False(t, state.InOffline)
	assert.Equal(t, 0, state.FailCount)
	assert.Empty(t, state.LastReason)
	assert.True(t, m.ShouldTryCloud())
}

func TestHybridFailureWhileOfflineRestartsWindow(t *testing.T) {
	m := New(Config{Mode: ModeHybrid, FailThreshold: 1, RetryInterval: 30 * time.Millisecond})

	m.RecordFailure("first")
	assert.True(t, m.State().InOffline)

	time.Sleep(20 * time.Millisecond)
	m.RecordFailure("second") // restarts the window before it would have elapsed
	assert.False(t, m.ShouldTryCloud())

	state := m.State()
	assert.Equal(t, "second", state.LastReason)
}

func TestRecordFailureAndSuccessNoopOutsideHybrid(t *testing.T) {
	m := New(Config{Mode: ModeOnline})
	m.RecordFailure("x")
	m.RecordSuccess()
	state := m.State()
	assert.Equal(t, 0, state.FailCount)
	assert.False(t, state.InOffline)
}

func TestReconfigureTightensThreshold(t *testing.T) {
	m := New(Config{Mode: ModeHybrid, FailThreshold: 5, RetryInterval: time.Hour})

	m.Reconfigure(1, time.Hour)
	m.RecordFailure("cloud_eof")
	assert.True(t, m.State().InOffline)

	// Non-positive values leave the tunables untouched.
	m.RecordSuccess()
	m.Reconfigure(0, 0)
	m.RecordFailure("cloud_eof")
	assert.True(t, m.State().InOffline, "threshold of 1 still in effect")
}
