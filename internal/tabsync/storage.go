package tabsync

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/caissapos/caissa/internal/store"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// A StorageTransport passes transient messages through the shared profile
// database when no broadcast channel is available. Each message is written
// under a fresh mailbox key, picked up by the other terminals' poll loops
// and removed by its sender shortly after, so an identical message can be
// sent again without being mistaken for stale state.
type StorageTransport struct {
	kv     store.KV
	logger logrus.FieldLogger

	poll       time.Duration
	retention  time.Duration
	staleAfter time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Message)
	seen   map[string]time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewStorageTransport returns a polling transport over the profile database.
// poll defaults to 250ms.
func NewStorageTransport(kv store.KV, poll time.Duration, logger logrus.FieldLogger) *StorageTransport {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	t := &StorageTransport{
		kv:         kv,
		logger:     logger,
		poll:       poll,
		retention:  4 * poll,
		staleAfter: 10 * poll,
		subs:       make(map[int]func(Message)),
		seen:       make(map[string]time.Time),
		done:       make(chan struct{}),
	}

	t.wg.Add(1)
	go t.loop()
	return t
}

// Publish writes the message to a mailbox key and schedules its removal.
func (t *StorageTransport) Publish(m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "could not serialize message")
	}

	key := store.MailboxPrefix + uuid.Must(uuid.NewV4()).String()
	if err := t.kv.Set(key, payload); err != nil {
		return errors.Wrap(err, "could not write mailbox key")
	}

	time.AfterFunc(t.retention, func() {
		if err := t.kv.Delete(key); err != nil {
			t.logger.WithError(err).WithField("key", key).Warn("could not remove mailbox key")
		}
	})
	return nil
}

// Subscribe registers a receiver.
func (t *StorageTransport) Subscribe(fn func(Message)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.subs[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Close stops the poll loop.
func (t *StorageTransport) Close() error {
	close(t.done)
	t.wg.Wait()
	return nil
}

func (t *StorageTransport) loop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.drain()
		}
	}
}

func (t *StorageTransport) drain() {
	keys, err := t.kv.Keys(store.MailboxPrefix)
	if err != nil {
		t.logger.WithError(err).Warn("could not poll mailbox")
		return
	}

	now := time.Now()
	for _, key := range keys {
		t.mu.Lock()
		_, dup := t.seen[key]
		if !dup {
			t.seen[key] = now
		}
		t.mu.Unlock()
		if dup {
			continue
		}

		payload, err := t.kv.Get(key)
		if err != nil || payload == nil {
			continue
		}

		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			t.logger.WithError(err).Warn("dropping malformed mailbox message")
			continue
		}
		// Ignore leftovers predating this terminal's poll loop.
		if now.Sub(time.UnixMilli(m.SentAt)) > t.staleAfter {
			continue
		}

		t.dispatch(m)
	}

	// Forget keys their sender has removed by now.
	t.mu.Lock()
	for key, at := range t.seen {
		if now.Sub(at) > 4*t.retention {
			delete(t.seen, key)
		}
	}
	t.mu.Unlock()
}

func (t *StorageTransport) dispatch(m Message) {
	t.mu.Lock()
	subs := make([]func(Message), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(m)
	}
}
