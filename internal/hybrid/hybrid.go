// Package hybrid implements the proxy's three-mode cloud-reachability
// state machine: a configured mode (online/offline/hybrid) plus, in
// hybrid mode only, a fail-counter-driven online/offline runtime substate
// with a fixed retry window. No circuit-breaker library is used: the
// required shape (fixed retry window, three explicit configured modes,
// no half-open probe state) does not match a generic breaker closely
// enough to justify bending this to fit one.
package hybrid

import (
	"sync"
	"time"
)

// Mode is the configured operating mode.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
	ModeHybrid  Mode = "hybrid"
)

// Config configures the machine's hybrid-mode substate.
type Config struct {
	Mode          Mode
	FailThreshold int
	RetryInterval time.Duration
}

// Machine is a mutex-guarded hybrid state machine. Safe for concurrent use.
type Machine struct {
	configuredMode Mode
	failThreshold  int
	retryInterval  time.Duration

	mu                sync.Mutex
	failCount         int
	inOffline         bool
	lastOfflineTime   time.Time
	lastOfflineReason string
}

// New constructs a Machine from cfg, defaulting FailThreshold to 3 and
// RetryInterval to 60s when unset.
func New(cfg Config) *Machine {
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 60 * time.Second
	}
	return &Machine{
		configuredMode: cfg.Mode,
		failThreshold:  cfg.FailThreshold,
		retryInterval:  cfg.RetryInterval,
	}
}

// IsHybridMode reports whether the configured mode is hybrid.
func (m *Machine) IsHybridMode() bool {
	return m.configuredMode == ModeHybrid
}

// ForceOfflineEnabled reports whether the configured mode is offline.
func (m *Machine) ForceOfflineEnabled() bool {
	return m.configuredMode == ModeOffline
}

// ShouldTryCloud reports whether the box listener should attempt a cloud
// round-trip for the next frame: always in online mode, never in offline
// mode, and in hybrid mode either when not currently in the offline
// substate or when the retry interval has elapsed since entering it.
func (m *Machine) ShouldTryCloud() bool {
	switch m.configuredMode {
	case ModeOffline:
		return false
	case ModeOnline:
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inOffline {
		return true
	}
	return time.Since(m.lastOfflineTime) >= m.retryInterval
}

// RecordFailure registers a cloud-path failure. A no-op outside hybrid
// mode. Bumps the fail counter; if already in the offline substate,
// restarts the retry window so only one probe is made per interval. Once
// fail_count reaches the configured threshold, transitions into the
// offline substate.
func (m *Machine) RecordFailure(reason string) {
	if !m.IsHybridMode() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.failCount++
	if m.inOffline {
		m.lastOfflineTime = time.Now()
		if reason != "" {
			m.lastOfflineReason = reason
		}
		return
	}

	if m.failCount >= m.failThreshold {
		m.inOffline = true
		m.lastOfflineTime = time.Now()
		if reason != "" {
			m.lastOfflineReason = reason
		} else {
			m.lastOfflineReason = "unknown"
		}
	}
}

// RecordSuccess registers a successful cloud round-trip. A no-op outside
// hybrid mode. If the machine was in the offline substate, transitions
// back to online and clears the recorded reason; always resets the fail
// counter to zero.
func (m *Machine) RecordSuccess() {
	if !m.IsHybridMode() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inOffline {
		m.inOffline = false
		m.lastOfflineReason = ""
	}
	m.failCount = 0
}

// Reconfigure replaces the hybrid tunables at runtime (config reload).
// The configured mode itself is fixed for the process lifetime; only the
// fail threshold and retry window may change. Non-positive values are
// ignored.
func (m *Machine) Reconfigure(failThreshold int, retryInterval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failThreshold > 0 {
		m.failThreshold = failThreshold
	}
	if retryInterval > 0 {
		m.retryInterval = retryInterval
	}
}

// State describes the machine's current runtime substate, for status
// reporting.
type State struct {
	ConfiguredMode Mode
	InOffline      bool
	FailCount      int
	LastReason     string
}

// State returns a snapshot of the current runtime substate.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		ConfiguredMode: m.configuredMode,
		InOffline:      m.inOffline,
		FailCount:      m.failCount,
		LastReason:     m.lastOfflineReason,
	}
}
