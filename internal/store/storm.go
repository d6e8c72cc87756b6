package store

import (
	"strings"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/codec/msgpack"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// bucket is the storm node holding all profile keys.
const bucket = "caissa"

// StormCodec is the format used to store data in the profile database.
var StormCodec = storm.Codec(msgpack.Codec)

type stormKV struct {
	db *storm.DB
}

// OpenStorm returns a KV backed by a storm database file. The file is shared
// by every terminal process of the profile.
func OpenStorm(path string) (KV, error) {
	db, err := storm.Open(path, StormCodec)
	if err != nil {
		return nil, errors.Wrap(err, "could not open profile database")
	}

	return &stormKV{db: db}, nil
}

func (s *stormKV) Get(key string) ([]byte, error) {
	var payload []byte
	err := s.db.Get(bucket, key, &payload)
	if err == storm.ErrNotFound {
		return nil, nil
	}
	return payload, errors.Wrap(err, "could not read key")
}

func (s *stormKV) Set(key string, payload []byte) error {
	return errors.Wrap(s.db.Set(bucket, key, payload), "could not write key")
}

func (s *stormKV) Delete(key string) error {
	err := s.db.Delete(bucket, key)
	if err == storm.ErrNotFound {
		return nil
	}
	return errors.Wrap(err, "could not delete key")
}

func (s *stormKV) Keys(prefix string) ([]string, error) {
	keys := make([]string, 0)

	// Storm has no key iteration on its KV node, drop down to bolt.
	err := s.db.Bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if strings.HasPrefix(string(k), prefix) {
				keys = append(keys, string(k))
			}
			return nil
		})
	})

	return keys, errors.Wrap(err, "could not list keys")
}

func (s *stormKV) Close() error {
	return s.db.Close()
}
