package store

import (
	"sync"
	"time"

	"github.com/bep/debounce"
)

// A Coalescer serializes frequent writes into at most one physical write per
// window. It is an operation queue of depth one with a trailing-edge timer:
// the latest function replaces any pending one, and only the survivor runs.
// A pending function never waits more than four windows, so a sustained
// burst cannot starve the write until the burst ends.
type Coalescer struct {
	debounced func(func())
	maxWait   time.Duration

	mu          sync.Mutex
	pending     func()
	firstQueued time.Time
}

// NewCoalescer returns a new Coalescer with the given window.
func NewCoalescer(window time.Duration) *Coalescer {
	return &Coalescer{
		debounced: debounce.New(window),
		maxWait:   4 * window,
	}
}

// Do queues fn, replacing any pending function. fn runs once the window
// elapses without another Do call, or immediately when the queue is overdue.
func (c *Coalescer) Do(fn func()) {
	c.mu.Lock()
	c.pending = fn
	if c.firstQueued.IsZero() {
		c.firstQueued = time.Now()
	}
	overdue := time.Since(c.firstQueued) >= c.maxWait
	c.mu.Unlock()

	if overdue {
		c.fire()
		return
	}
	c.debounced(c.fire)
}

// Flush runs the pending function immediately, if any. Called on destroy so
// a queued write is not lost.
func (c *Coalescer) Flush() {
	c.fire()
}

func (c *Coalescer) fire() {
	c.mu.Lock()
	fn := c.pending
	c.pending = nil
	c.firstQueued = time.Time{}
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}
