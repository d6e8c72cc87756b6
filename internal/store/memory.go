package store

import (
	"strings"
	"sync"
)

// A MemoryKV is an in-memory KV used by tests and by terminals running
// without a profile directory. Safe for concurrent use; a single MemoryKV
// shared between stores emulates the cross-terminal backing store.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailWrites makes every Set fail, emulating quota exhaustion.
	FailWrites bool
}

// NewMemoryKV returns a new empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get returns the payload stored under key, or nil.
func (m *MemoryKV) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payload, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	clone := make([]byte, len(payload))
	copy(clone, payload)
	return clone, nil
}

// Set stores the payload under key.
func (m *MemoryKV) Set(key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return errQuota
	}

	clone := make([]byte, len(payload))
	copy(clone, payload)
	m.data[key] = clone
	return nil
}

// Delete removes the key.
func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys returns all keys having the given prefix.
func (m *MemoryKV) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close is a no-op.
func (m *MemoryKV) Close() error {
	return nil
}
