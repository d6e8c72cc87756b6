package resilient

import (
	"context"
	"net"
	"sync"
	"time"
)

// A Monitor tracks whether the backend is reachable. The executor fails fast
// while offline instead of burning its retry budget. State changes come from
// SetOnline (wired to the platform's connectivity signal) or from the
// optional Probe loop.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewMonitor returns a new Monitor assuming connectivity.
func NewMonitor() *Monitor {
	return &Monitor{
		online: true,
		subs:   make(map[int]func(bool)),
	}
}

// Online returns the last known connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the connectivity state and notifies subscribers on change.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Notify registers a callback invoked on connectivity changes.
// It returns the function that removes the callback.
func (m *Monitor) Notify(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Probe dials addr every interval and updates the connectivity state until
// ctx is done. It blocks; run it on its own goroutine.
func (m *Monitor) Probe(ctx context.Context, addr string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, interval/2)
			if err != nil {
				m.SetOnline(false)
				continue
			}
			conn.Close()
			m.SetOnline(true)
		}
	}
}
