// Package bus provides a minimal namespaced publish/subscribe primitive with
// bounded per-event history and pause/resume queuing. It is the backbone used
// by the session core to emit lifecycle events without coupling to consumers.
package bus

import (
	"sync"
	"time"
)

type (
	// An Event is a published occurrence and its payload.
	Event struct {
		Name    string
		Payload any
		At      time.Time
	}

	// A Handler consumes published events.
	Handler func(Event)

	// A Bus dispatches events to subscribers. Handlers run synchronously on
	// the publisher goroutine, in subscription order.
	Bus struct {
		namespace string
		history   int

		mu     sync.Mutex
		nextID int
		subs   map[string][]*subscription
		record map[string][]Event
		paused bool
		queue  []Event
		closed bool
	}

	subscription struct {
		id   int
		once bool
		fn   Handler
	}
)

// New returns a new Bus. Events are qualified with the given namespace and
// the last history occurrences of each event are retained.
func New(namespace string, history int) *Bus {
	return &Bus{
		namespace: namespace,
		history:   history,
		subs:      make(map[string][]*subscription),
		record:    make(map[string][]Event),
	}
}

// Subscribe registers a handler for the given event name.
// It returns the function that removes the subscription.
func (b *Bus) Subscribe(name string, fn Handler) func() {
	return b.subscribe(name, fn, false)
}

// SubscribeOnce registers a handler removed after its first invocation.
// It returns the function that removes the subscription early.
func (b *Bus) SubscribeOnce(name string, fn Handler) func() {
	return b.subscribe(name, fn, true)
}

func (b *Bus) subscribe(name string, fn Handler, once bool) func() {
	name = b.qualify(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, once: once, fn: fn}
	b.subs[name] = append(b.subs[name], sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(name, id)
	}
}

// Publish dispatches the event to all its subscribers. While the bus is
// paused, events are queued and delivered on Resume.
func (b *Bus) Publish(name string, payload any) {
	event := Event{Name: b.qualify(name), Payload: payload, At: time.Now()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.paused {
		b.queue = append(b.queue, event)
		b.mu.Unlock()
		return
	}
	handlers := b.collect(event)
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(event)
	}
}

// Pause holds event delivery. Published events are queued.
func (b *Bus) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume flushes the queued events and restores direct delivery.
func (b *Bus) Resume() {
	b.mu.Lock()
	b.paused = false
	queue := b.queue
	b.queue = nil

	var batch [][]Handler
	for _, event := range queue {
		batch = append(batch, b.collect(event))
	}
	b.mu.Unlock()

	for i, handlers := range batch {
		for _, fn := range handlers {
			fn(queue[i])
		}
	}
}

// History returns a copy of the retained occurrences of the given event.
func (b *Bus) History(name string) []Event {
	name = b.qualify(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	events := make([]Event, len(b.record[name]))
	copy(events, b.record[name])
	return events
}

// Close drops all subscriptions, queued events and history.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = make(map[string][]*subscription)
	b.record = make(map[string][]Event)
	b.queue = nil
}

// collect records the event in the history and returns the handlers to run.
// Once-subscriptions are removed. Must be called with the mutex held.
func (b *Bus) collect(event Event) []Handler {
	if b.history > 0 {
		record := append(b.record[event.Name], event)
		if len(record) > b.history {
			record = record[len(record)-b.history:]
		}
		b.record[event.Name] = record
	}

	subs := b.subs[event.Name]
	handlers := make([]Handler, 0, len(subs))
	for _, sub := range subs {
		handlers = append(handlers, sub.fn)
	}
	for _, sub := range subs {
		if sub.once {
			b.remove(event.Name, sub.id)
		}
	}
	return handlers
}

func (b *Bus) remove(name string, id int) {
	subs := b.subs[name]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) qualify(name string) string {
	if b.namespace == "" {
		return name
	}
	return b.namespace + ":" + name
}
