package caristo

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

// Event is a hint that something below the fleet root changed. Events are
// level-triggered: the pipeline rescans from disk and never trusts the
// payload as a diff.
type Event struct {
	Path string
	Op   fsnotify.Op
}

// Synthetic reports whether the event was injected rather than observed.
func (e Event) Synthetic() bool {
	return e.Path == "" && e.Op == 0
}

// AttributeOnly reports whether the event changed nothing but file
// attributes. Scans never read attributes, so such events are not forwarded.
func (e Event) AttributeOnly() bool {
	return e.Op == fsnotify.Chmod
}

// Notifier observes a fleet root and emits an Event per change.
type Notifier interface {
	// Watch begins observing and returns a channel of events. The channel is
	// closed when the context is canceled or the notifier fails for good.
	Watch(ctx context.Context) (<-chan Event, error)
}

// Refresher is implemented by notifiers whose watch set depends on the
// current fleet layout. The pipeline calls Refresh before every scan so
// changes made after the scan starts are never missed.
type Refresher interface {
	Refresh() error
}
