// Package store holds the persisted session record of a register profile.
// It keeps an authoritative in-memory copy for fast reads and mirrors it to
// a persistent key-value backing store for durability and cross-terminal
// visibility.
package store

import (
	"encoding/json"
	"io"
	"math"
	"sync"
	"time"

	"github.com/caissapos/caissa/internal/model"
	"github.com/caissapos/caissa/pkg/libcaissa"
	"github.com/caissapos/caissa/pkg/structs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"
)

const (
	// RecordKey is the backing-store key of the session record.
	RecordKey = "session/current"
	// MailboxPrefix is the key prefix of transient coordination messages.
	// Mailbox keys are the non-essential keys reclaimed on write failure.
	MailboxPrefix = "mailbox/"
)

// NoExpiry is returned by TimeUntilExpiry when no record exists.
const NoExpiry = time.Duration(math.MinInt64)

var errQuota = errors.New("backing store rejected the write")

type (
	// Config holds the store parameters.
	Config struct {
		KV     KV
		Logger logrus.FieldLogger
		// ActivityFlushWindow bounds physical writes caused by RecordActivity.
		// Default 30s.
		ActivityFlushWindow time.Duration
	}

	// A Store is the dual-layer holder of the session record. It validates,
	// migrates and persists records; it never makes lifecycle decisions.
	Store struct {
		kv        KV
		logger    logrus.FieldLogger
		coalescer *Coalescer
		now       func() time.Time

		mu     sync.RWMutex
		record *model.Record
	}
)

// New returns a Store loaded from the backing store. A corrupted or
// unmigratable persisted record is dropped and the store starts empty.
func New(conf Config) *Store {
	if conf.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		conf.Logger = logger
	}
	if conf.ActivityFlushWindow <= 0 {
		conf.ActivityFlushWindow = 30 * time.Second
	}

	s := &Store{
		kv:        conf.KV,
		logger:    conf.Logger,
		coalescer: NewCoalescer(conf.ActivityFlushWindow),
		now:       time.Now,
	}

	record, err := s.load()
	if err != nil {
		s.logger.WithError(err).Warn("dropping unreadable session record")
		if err := s.kv.Delete(RecordKey); err != nil {
			s.logger.WithError(err).Warn("could not remove unreadable session record")
		}
	}
	s.record = record

	return s
}

// Save merges data over schema defaults, stamps the current schema version,
// validates and persists. Returns false on validation or write failure; a
// write failure still updates the in-memory copy, which stays authoritative
// for this terminal's lifetime.
func (s *Store) Save(data *model.Record) bool {
	if data == nil {
		return false
	}

	record := data.Clone()
	if err := record.Migrate(); err != nil {
		s.logger.WithError(err).Warn("could not normalize session record")
		return false
	}
	if err := record.Validate(); err != nil {
		s.logger.WithError(err).Warn("rejecting invalid session record")
		return false
	}

	s.mu.Lock()
	s.record = record
	s.mu.Unlock()

	if err := s.persist(record); err != nil {
		s.logger.WithError(err).Warn("could not persist session record")
		return false
	}
	return true
}

// Update applies the mutation to a copy of the current record, re-validates
// the result and adopts it. Returns false, leaving the state untouched, when
// there is no record or the mutated record is invalid.
func (s *Store) Update(mutate func(*model.Record)) bool {
	s.mu.Lock()
	if s.record == nil {
		s.mu.Unlock()
		return false
	}

	record := s.record.Clone()
	mutate(record)
	if err := record.Validate(); err != nil {
		s.mu.Unlock()
		s.logger.WithError(err).Warn("rejecting invalid session update")
		return false
	}
	s.record = record
	s.mu.Unlock()

	if err := s.persist(record); err != nil {
		s.logger.WithError(err).Warn("could not persist session update")
	}
	return true
}

// Get returns a deep copy of the current record, or nil.
func (s *Store) Get() *model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.Clone()
}

// GetField returns the value at a dotted path of the current record,
// e.g. "user.name" or "limits.maxDiscountPercent".
func (s *Store) GetField(path string) (any, bool) {
	record := s.Get()
	if record == nil {
		return nil, false
	}
	return structs.GetFieldPath(record, path)
}

// GetToken returns the session token without cloning the record.
func (s *Store) GetToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.record == nil {
		return ""
	}
	return s.record.Token
}

// GetUser returns a copy of the session's operator, or nil.
func (s *Store) GetUser() *model.Operator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.record == nil || s.record.User == nil {
		return nil
	}
	user := *s.record.User
	return &user
}

// HasSession returns true if a record with a token exists.
func (s *Store) HasSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.HasSession()
}

// IsExpired returns true if there is no record or its expiration has passed.
func (s *Store) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.ExpiredAt(s.now())
}

// TimeUntilExpiry returns the remaining session lifetime, negative once
// expired, or NoExpiry when no record exists.
func (s *Store) TimeUntilExpiry() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.record == nil || s.record.ExpiresAt <= 0 {
		return NoExpiry
	}
	return time.Duration(s.record.ExpiresAt-libcaissa.UnixMillisecond(s.now())) * time.Millisecond
}

// ExtendExpiration slides the expiration window to now+delta. The expiration
// only ever moves forward. Returns false when no record exists.
func (s *Store) ExtendExpiration(delta time.Duration) bool {
	now := libcaissa.UnixMillisecond(s.now())
	return s.Update(func(r *model.Record) {
		if expiry := now + delta.Milliseconds(); expiry > r.ExpiresAt {
			r.ExpiresAt = expiry
		}
		r.LastExtension = now
		r.LastActivity = now
	})
}

// RecordActivity stamps the in-memory record immediately and schedules a
// coalesced physical write, so frequent UI interaction does not amplify into
// one write per keystroke. Returns the recorded timestamp, or 0.
func (s *Store) RecordActivity() int64 {
	now := libcaissa.UnixMillisecond(s.now())

	s.mu.Lock()
	if s.record == nil {
		s.mu.Unlock()
		return 0
	}
	s.record.LastActivity = now
	s.mu.Unlock()

	s.coalescer.Do(s.persistCurrent)
	return now
}

// Clear drops the in-memory record and removes all backing keys of the
// profile namespace.
func (s *Store) Clear() {
	s.mu.Lock()
	s.record = nil
	s.mu.Unlock()

	if err := s.kv.Delete(RecordKey); err != nil {
		s.logger.WithError(err).Warn("could not remove session record")
	}
}

// SyncFromStorage re-reads the backing store and adopts its record when it
// is valid and newer (by lastActivity) than the in-memory copy. This is how
// a terminal picks up state written by another one. Returns whether an
// adoption occurred.
func (s *Store) SyncFromStorage() bool {
	record, err := s.load()
	if err != nil {
		s.logger.WithError(err).Warn("ignoring unreadable record during sync")
		return false
	}
	if record == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record != nil && record.LastActivity <= s.record.LastActivity {
		return false
	}
	s.record = record
	return true
}

// Flush forces any pending coalesced write. Called on destroy.
func (s *Store) Flush() {
	s.coalescer.Flush()
}

// load reads, probes, unmarshals, migrates and validates the persisted
// record. A missing record yields (nil, nil).
func (s *Store) load() (*model.Record, error) {
	payload, err := s.kv.Get(RecordKey)
	if err != nil {
		return nil, errors.Wrap(err, "could not read session record")
	}
	if payload == nil {
		return nil, nil
	}

	// Probe the raw payload before unmarshaling so a corrupted write never
	// surfaces as a half-parsed record.
	value, err := fastjson.ParseBytes(payload)
	if err != nil {
		return nil, errors.Wrap(err, "corrupted session record")
	}
	if !value.Exists("token") || !value.Exists("user") || !value.Exists("expiresAt") {
		return nil, errors.New("session record misses mandatory keys")
	}
	switch value.Get("expiresAt").Type() {
	case fastjson.TypeNumber, fastjson.TypeNull:
	default:
		return nil, errors.New("session record expiration is not numeric")
	}

	var record model.Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, errors.Wrap(err, "could not parse session record")
	}
	if err := record.Migrate(); err != nil {
		return nil, errors.Wrap(err, "could not migrate session record")
	}
	if err := record.Validate(); err != nil {
		return nil, errors.Wrap(err, "persisted session record is invalid")
	}

	return &record, nil
}

// persist writes the record. A failed write triggers a cleanup pass over the
// non-essential mailbox keys and one retry.
func (s *Store) persist(record *model.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "could not serialize session record")
	}

	if err = s.kv.Set(RecordKey, payload); err == nil {
		return nil
	}

	s.logger.WithError(err).Warn("write failed, reclaiming mailbox keys")
	s.cleanup()

	return errors.Wrap(s.kv.Set(RecordKey, payload), "could not persist session record")
}

// persistCurrent is the coalesced activity write. It snapshots the record at
// fire time so a Clear that happened meanwhile is not resurrected.
func (s *Store) persistCurrent() {
	record := s.Get()
	if record == nil {
		return
	}
	if err := s.persist(record); err != nil {
		s.logger.WithError(err).Warn("could not persist activity")
	}
}

func (s *Store) cleanup() {
	keys, err := s.kv.Keys(MailboxPrefix)
	if err != nil {
		s.logger.WithError(err).Warn("could not list mailbox keys")
		return
	}
	for _, key := range keys {
		if err := s.kv.Delete(key); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("could not reclaim key")
		}
	}
}
