package tabsync

import (
	"sync"
)

type (
	// A Transport delivers coordination messages to every terminal of the
	// profile, including the sender. Senders filter their own messages by id.
	Transport interface {
		// Publish broadcasts the message.
		Publish(m Message) error
		// Subscribe registers a receiver. It returns the function that
		// removes the subscription.
		Subscribe(fn func(Message)) func()
		// Close the transport.
		Close() error
	}

	// A Hub is an in-process Transport shared by coordinators living in the
	// same process. Used by tests and by single-process multi-window setups.
	Hub struct {
		mu     sync.Mutex
		nextID int
		subs   map[int]func(Message)
		closed bool
	}
)

// NewHub returns a new Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Message))}
}

// Publish delivers the message to every subscriber, on the caller goroutine.
func (h *Hub) Publish(m Message) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	subs := make([]func(Message), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(m)
	}
	return nil
}

// Subscribe registers a receiver.
func (h *Hub) Subscribe(fn func(Message)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.subs[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Close drops all subscriptions.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[int]func(Message))
	return nil
}
