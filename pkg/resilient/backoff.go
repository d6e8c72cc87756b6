package resilient

import (
	"math"
	"math/rand"
	"time"
)

// A Backoff computes the pause between retry attempts: exponential growth
// capped at MaxDelay, plus positive jitter to desynchronize retry storms
// across terminals.
type Backoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64

	// Rand overrides the jitter source. Returns a value in [0,1).
	Rand func() float64
}

// DefaultBackoff is the policy used when the executor config leaves it empty.
var DefaultBackoff = Backoff{
	BaseDelay:    500 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
	JitterFactor: 0.25,
}

// Delay returns the pause preceding the retry of the given attempt (1-based).
// The result lies within [d, d*(1+JitterFactor)] where
// d = min(MaxDelay, BaseDelay*Multiplier^(attempt-1)).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if max := float64(b.MaxDelay); d > max {
		d = max
	}

	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	d *= 1 + random()*b.JitterFactor

	return time.Duration(d)
}
