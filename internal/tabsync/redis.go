package tabsync

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// A RedisTransport broadcasts coordination messages through a redis pub/sub
// channel. It is the primary transport when the terminals of a profile can
// reach a local redis instance.
type RedisTransport struct {
	rdb     *redis.Client
	channel string
	pubsub  *redis.PubSub
	logger  logrus.FieldLogger
	cancel  context.CancelFunc

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Message)
}

// NewRedisTransport subscribes to the given channel and returns the transport.
func NewRedisTransport(rdb *redis.Client, channel string, logger logrus.FieldLogger) (*RedisTransport, error) {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	ctx, cancel := context.WithCancel(context.Background())

	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not subscribe to channel")
	}

	t := &RedisTransport{
		rdb:     rdb,
		channel: channel,
		pubsub:  pubsub,
		logger:  logger,
		cancel:  cancel,
		subs:    make(map[int]func(Message)),
	}

	go t.receive(ctx)
	return t, nil
}

// Publish broadcasts the message.
func (t *RedisTransport) Publish(m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "could not serialize message")
	}

	err = t.rdb.Publish(context.Background(), t.channel, payload).Err()
	return errors.Wrap(err, "could not publish message")
}

// Subscribe registers a receiver.
func (t *RedisTransport) Subscribe(fn func(Message)) func() {
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

// Close terminates the subscription.
func (t *RedisTransport) Close() error {
	t.cancel()
	return t.pubsub.Close()
}

func (t *RedisTransport) receive(ctx context.Context) {
	ch := t.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}

			var m Message
			if err := json.Unmarshal([]byte(raw.Payload), &m); err != nil {
				t.logger.WithError(err).Warn("dropping malformed message")
				continue
			}

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
	}
}
