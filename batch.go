package caristo

import "time"

// maxBatchEvents bounds how many events a Batch keeps. Count keeps growing.
const maxBatchEvents = 256

// Batch accumulates the notifications coalesced into one cycle. A Batch is
// owned by the pipeline loop until it is handed to a cycle, and is discarded
// when the cycle ends.
type Batch struct {
	Events []Event
	// Count is the number of notifications received, including any not kept
	// in Events.
	Count int
	First time.Time
	Last  time.Time
}

func (b *Batch) add(e Event, at time.Time) {
	if b.Count == 0 {
		b.First = at
	}
	b.Count++
	b.Last = at
	if len(b.Events) < maxBatchEvents {
		b.Events = append(b.Events, e)
	}
}

// Empty reports whether no notification was received.
func (b Batch) Empty() bool { return b.Count == 0 }

// Paths returns the distinct paths of the kept events in arrival order.
func (b Batch) Paths() []string {
	seen := make(map[string]struct{}, len(b.Events))
	var paths []string
	for _, e := range b.Events {
		if e.Path == "" {
			continue
		}
		if _, ok := seen[e.Path]; ok {
			continue
		}
		seen[e.Path] = struct{}{}
		paths = append(paths, e.Path)
	}
	return paths
}
