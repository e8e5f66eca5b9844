// Package metrics wires the proxy's Prometheus collectors.
//
// Components obtain their metrics through small constructor functions
// (NewCloudSessionMetrics, NewQueueMetrics, ...) that return nil when the
// registry has not been initialized, so instrumented code can always call
// methods on the result without a nil check degrading into a panic: every
// method here tolerates a nil receiver.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
	enabled  bool
)

// InitRegistry creates the Prometheus registry used by every collector
// in this package. It must be called before any New*Metrics constructor
// if metrics are to be non-nil. Safe to call once at startup.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	}
	enabled = true
	return registry
}

// GetRegistry returns the shared registry, creating it if necessary.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	r := registry
	mu.RUnlock()
	if r != nil {
		return r
	}
	return InitRegistry()
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// Reset clears the registry. Used by tests that need a clean metric
// namespace between cases, since promauto collectors panic on duplicate
// registration.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = nil
	enabled = false
}
