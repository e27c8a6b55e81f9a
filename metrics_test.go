package caristo

import (
	"testing"
	"time"

	"github.com/zoobzio/caristo/blueprint"
)

func TestNoOpMetricsProvider_DoesNotPanic(_ *testing.T) {
	var m NoOpMetricsProvider

	// These should not panic
	m.OnStateChange(StateIdle, StateScanning)
	m.OnCycleSuccess(100*time.Millisecond, blueprint.Stats{Created: 1})
	m.OnCycleFailure("scan", 50*time.Millisecond)
	m.OnCycleSkipped()
	m.OnNotification()
}
