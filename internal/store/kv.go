package store

type (
	// A KV is the persistent key-value backing store shared by every terminal
	// of a register profile. Implementations never return an error for a
	// missing key; Get yields a nil payload instead.
	KV interface {
		// Get returns the raw payload stored under key, or nil.
		Get(key string) ([]byte, error)
		// Set stores the raw payload under key.
		Set(key string, payload []byte) error
		// Delete removes the key. Removing a missing key is not an error.
		Delete(key string) error
		// Keys returns all keys having the given prefix.
		Keys(prefix string) ([]string, error)
		// Close the backing store.
		Close() error
	}
)
