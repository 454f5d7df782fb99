// Package metrics defines the engine's metrics sink interface and a
// package-level Prometheus registry, mirroring the teacher's
// interface-plus-registered-constructor pattern: this package declares
// what the engine needs and imports the Prometheus client only for the
// registry, while internal/metrics/prometheus supplies the concrete
// EngineMetrics implementation without an import cycle.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	enabled  bool
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection and creates the process-wide
// Prometheus registry. Must be called before any EngineMetrics is
// constructed for metrics to actually be wired up; otherwise
// NewEngineMetrics returns nil and every engine runs with zero overhead.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	enabled = true
	registry = prometheus.NewRegistry()
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// GetRegistry returns the process-wide registry, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}
