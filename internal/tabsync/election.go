package tabsync

import (
	"math/rand"
	"time"
)

type (
	// An Election provides the timing heuristics of the leader election. The
	// election is inherently best effort in a lock-free environment; keeping
	// the timings behind this interface lets tests substitute deterministic
	// values instead of asserting on races.
	Election interface {
		// ClaimDelay returns the pause before broadcasting a leader claim,
		// randomized to desynchronize terminals opened simultaneously.
		ClaimDelay() time.Duration
		// ClaimWindow is how long a claim stays open before self-declaring.
		ClaimWindow() time.Duration
		// HeartbeatInterval is the leader's heartbeat period.
		HeartbeatInterval() time.Duration
		// LeaderTimeout is how long followers wait for a heartbeat before
		// assuming the leader died and re-running the claim protocol.
		LeaderTimeout() time.Duration
	}

	// A RandomizedElection is the default Election.
	RandomizedElection struct {
		Heartbeat time.Duration // default 5s
	}

	// An InstantElection is a deterministic Election for tests: no claim
	// delay and tight windows.
	InstantElection struct {
		Window    time.Duration
		Heartbeat time.Duration
	}
)

// ClaimDelay returns a random delay up to a tenth of the heartbeat interval.
func (e RandomizedElection) ClaimDelay() time.Duration {
	return time.Duration(rand.Int63n(int64(e.heartbeat() / 10)))
}

// ClaimWindow returns a fifth of the heartbeat interval.
func (e RandomizedElection) ClaimWindow() time.Duration {
	return e.heartbeat() / 5
}

// HeartbeatInterval returns the heartbeat period.
func (e RandomizedElection) HeartbeatInterval() time.Duration {
	return e.heartbeat()
}

// LeaderTimeout returns twice the heartbeat interval.
func (e RandomizedElection) LeaderTimeout() time.Duration {
	return 2 * e.heartbeat()
}

func (e RandomizedElection) heartbeat() time.Duration {
	if e.Heartbeat <= 0 {
		return 5 * time.Second
	}
	return e.Heartbeat
}

// ClaimDelay returns zero.
func (e InstantElection) ClaimDelay() time.Duration { return 0 }

// ClaimWindow returns the configured window.
func (e InstantElection) ClaimWindow() time.Duration { return e.Window }

// HeartbeatInterval returns the configured heartbeat.
func (e InstantElection) HeartbeatInterval() time.Duration { return e.Heartbeat }

// LeaderTimeout returns twice the configured heartbeat.
func (e InstantElection) LeaderTimeout() time.Duration { return 2 * e.Heartbeat }
