package caristo

import (
	"sync"
	"time"
)

// CycleError records a failed cycle.
type CycleError struct {
	// Stage is "scan" or "apply".
	Stage string
	At    time.Time
	Err   error
}

func (e *CycleError) Error() string {
	return e.Stage + " failed: " + e.Err.Error()
}

func (e *CycleError) Unwrap() error { return e.Err }

// errorRing is a thread-safe ring buffer of recent cycle errors.
type errorRing struct {
	mu     sync.RWMutex
	errors []*CycleError
	head   int
	count  int
}

// newErrorRing creates a ring holding up to size errors. A size of zero or
// less disables the history.
func newErrorRing(size int) *errorRing {
	if size <= 0 {
		return nil
	}
	return &errorRing{errors: make([]*CycleError, size)}
}

func (r *errorRing) push(err *CycleError) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors[r.head] = err
	r.head = (r.head + 1) % len(r.errors)
	if r.count < len(r.errors) {
		r.count++
	}
}

func (r *errorRing) reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.errors)
	r.head = 0
	r.count = 0
}

// all returns the recorded errors, oldest first.
func (r *errorRing) all() []error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}
	size := len(r.errors)
	out := make([]error, r.count)
	start := (r.head - r.count + size) % size
	for i := range out {
		out[i] = r.errors[(start+i)%size]
	}
	return out
}
