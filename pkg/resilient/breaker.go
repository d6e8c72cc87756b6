package resilient

import (
	"sync"
	"time"
)

// A State is the position of the circuit breaker.
type State string

// Possible breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// A Breaker stops issuing requests to a consistently failing backend.
// Closed passes requests through; after Threshold consecutive failures the
// breaker opens and rejects everything until ResetTimeout elapses, then a
// single trial request is let through. Its success closes the circuit, its
// failure reopens it and rearms the timeout.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a new closed Breaker.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Allow reports whether a request may proceed. When it may not, retryAfter
// hints how long until the next trial request is permitted.
func (b *Breaker) Allow() (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, 0
	case StateOpen:
		remaining := b.openedAt.Add(b.resetTimeout).Sub(b.now())
		if remaining > 0 {
			return false, remaining
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, 0
	default: // StateHalfOpen
		if b.probing {
			return false, b.resetTimeout
		}
		b.probing = true
		return true, 0
	}
}

// Success resets the failure count and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed request. The circuit opens when the consecutive
// failure count reaches the threshold, and reopens on a failed trial request.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
