package tabsync_test

import (
	"sync"
	"testing"
	"time"

	"github.com/caissapos/caissa/internal/store"
	"github.com/caissapos/caissa/internal/tabsync"
	"github.com/stretchr/testify/assert"
)

func TestStorageTransportDelivers(t *testing.T) {
	kv := store.NewMemoryKV()

	a := tabsync.NewStorageTransport(kv, 10*time.Millisecond, nil)
	defer a.Close()
	b := tabsync.NewStorageTransport(kv, 10*time.Millisecond, nil)
	defer b.Close()

	var mu sync.Mutex
	var got []tabsync.Message
	b.Subscribe(func(m tabsync.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	assert.NoError(t, a.Publish(tabsync.Message{
		Type:   tabsync.TypeLogout,
		Sender: "a",
		SentAt: time.Now().UnixMilli(),
		Reason: "closed",
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, tabsync.TypeLogout, got[0].Type)
	assert.Equal(t, "closed", got[0].Reason)
	mu.Unlock()

	// The mailbox key is reclaimed and never delivered twice.
	time.Sleep(100 * time.Millisecond)
	keys, err := kv.Keys(store.MailboxPrefix)
	assert.NoError(t, err)
	assert.Empty(t, keys)

	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestStorageTransportIgnoresStaleMessages(t *testing.T) {
	kv := store.NewMemoryKV()

	a := tabsync.NewStorageTransport(kv, 10*time.Millisecond, nil)
	defer a.Close()

	// Publish before the receiver exists, backdated past the stale horizon.
	assert.NoError(t, a.Publish(tabsync.Message{
		Type:   tabsync.TypeLogout,
		Sender: "a",
		SentAt: time.Now().Add(-time.Hour).UnixMilli(),
	}))

	b := tabsync.NewStorageTransport(kv, 10*time.Millisecond, nil)
	defer b.Close()

	n := 0
	var mu sync.Mutex
	b.Subscribe(func(tabsync.Message) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, n)
	mu.Unlock()
}

func TestStorageTransportDropsMalformedMessages(t *testing.T) {
	kv := store.NewMemoryKV()
	assert.NoError(t, kv.Set(store.MailboxPrefix+"garbage", []byte("{not json")))

	b := tabsync.NewStorageTransport(kv, 10*time.Millisecond, nil)
	defer b.Close()

	n := 0
	var mu sync.Mutex
	b.Subscribe(func(tabsync.Message) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, n)
	mu.Unlock()
}
