package caristo

import (
	"context"
	"path/filepath"
)

// ChannelNotifier turns events produced elsewhere, such as a deploy hook or
// a test, into a Notifier. It filters them the way FSNotifier filters
// filesystem events: attribute-only changes are dropped and paths are
// cleaned, so the Batch handed to a cycle looks the same whichever source
// fed it.
type ChannelNotifier struct {
	ch <-chan Event
}

// NewChannelNotifier creates a ChannelNotifier reading from ch.
func NewChannelNotifier(ch <-chan Event) *ChannelNotifier {
	return &ChannelNotifier{ch: ch}
}

// Watch returns the filtered events. The channel closes when ch closes or ctx
// is canceled.
func (n *ChannelNotifier) Watch(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-n.ch:
				if !ok {
					return
				}
				if e.AttributeOnly() {
					continue
				}
				if e.Path != "" {
					e.Path = filepath.Clean(e.Path)
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
