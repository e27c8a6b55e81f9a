package caristo

import (
	"time"

	"github.com/zoobzio/caristo/blueprint"
)

// MetricsProvider allows integration with metrics systems like Prometheus, StatsD, etc.
// Implement this interface to receive callbacks on key pipeline events.
type MetricsProvider interface {
	// OnStateChange is called when the pipeline transitions between states.
	OnStateChange(from, to State)

	// OnCycleSuccess is called when the output tree was regenerated.
	// Duration covers scan, apply and callback.
	OnCycleSuccess(duration time.Duration, stats blueprint.Stats)

	// OnCycleFailure is called when a cycle fails.
	// Stage indicates where the failure occurred: "scan" or "apply".
	OnCycleFailure(stage string, duration time.Duration)

	// OnCycleSkipped is called when a scan found the fleet still empty.
	OnCycleSkipped()

	// OnNotification is called for every notification received.
	OnNotification()
}

// NoOpMetricsProvider is a no-op implementation of MetricsProvider.
// Use this as an embedded type to implement only the methods you need.
type NoOpMetricsProvider struct{}

func (NoOpMetricsProvider) OnStateChange(_, _ State)                          {}
func (NoOpMetricsProvider) OnCycleSuccess(_ time.Duration, _ blueprint.Stats) {}
func (NoOpMetricsProvider) OnCycleFailure(_ string, _ time.Duration)          {}
func (NoOpMetricsProvider) OnCycleSkipped()                                   {}
func (NoOpMetricsProvider) OnNotification()                                   {}
