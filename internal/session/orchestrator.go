// Package session implements the authoritative session state machine of a
// register terminal. It is the only package the rest of the application
// talks to directly; persistence, cross-terminal coordination and network
// resilience are delegated to the injected sub-components.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/caissapos/caissa/internal/model"
	"github.com/caissapos/caissa/internal/store"
	"github.com/caissapos/caissa/internal/tabsync"
	"github.com/caissapos/caissa/pkg/bus"
	"github.com/caissapos/caissa/pkg/libcaissa"
	"github.com/caissapos/caissa/pkg/resilient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var errMalformedPayload = errors.New("malformed session payload")

type (
	// Config holds the orchestrator parameters and dependencies.
	Config struct {
		Store       *store.Store
		Coordinator *tabsync.Coordinator
		Executor    *resilient.Executor
		Client      libcaissa.Client
		Bus         *bus.Bus
		Logger      logrus.FieldLogger

		// MaxLifetime is the sliding session window. Default 8h.
		MaxLifetime time.Duration
		// RevalidateEvery is the leader's background validation interval.
		// Default 30m.
		RevalidateEvery time.Duration
		// ExpiryCheckEvery is the expiration watch interval. Default 60s.
		ExpiryCheckEvery time.Duration
		// SoftWarning and CriticalWarning are the remaining-lifetime
		// thresholds of the two expiry warnings. Defaults 15m and 5m.
		SoftWarning     time.Duration
		CriticalWarning time.Duration
		// ExtendThrottle bounds how often activity silently extends the
		// session. Default 5m.
		ExtendThrottle time.Duration
		// OfflineGrace bounds how long a terminal may run on a cached,
		// unvalidated authorization snapshot. Default 24h.
		OfflineGrace time.Duration
	}

	// LogoutOptions tune Logout.
	LogoutOptions struct {
		// Revoke asks the server to invalidate the credential. Best effort.
		Revoke bool
		Reason string
	}

	// An Orchestrator drives the session lifecycle of one terminal.
	Orchestrator struct {
		conf        Config
		store       *store.Store
		coordinator *tabsync.Coordinator
		executor    *resilient.Executor
		client      libcaissa.Client
		bus         *bus.Bus
		logger      logrus.FieldLogger

		// now is injectable for tests.
		now func() time.Time

		mu             sync.Mutex
		state          State
		lastExtension  time.Time
		warnedSoft     bool
		warnedCritical bool

		done chan struct{}
		wg   sync.WaitGroup
		once sync.Once
	}
)

// New returns a started Orchestrator wired to the coordinator's messages.
// Call RestoreSession to adopt a persisted session.
func New(conf Config) *Orchestrator {
	if conf.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		conf.Logger = logger
	}
	if conf.MaxLifetime <= 0 {
		conf.MaxLifetime = 8 * time.Hour
	}
	if conf.RevalidateEvery <= 0 {
		conf.RevalidateEvery = 30 * time.Minute
	}
	if conf.ExpiryCheckEvery <= 0 {
		conf.ExpiryCheckEvery = time.Minute
	}
	if conf.SoftWarning <= 0 {
		conf.SoftWarning = 15 * time.Minute
	}
	if conf.CriticalWarning <= 0 {
		conf.CriticalWarning = 5 * time.Minute
	}
	if conf.ExtendThrottle <= 0 {
		conf.ExtendThrottle = 5 * time.Minute
	}
	if conf.OfflineGrace <= 0 {
		conf.OfflineGrace = 24 * time.Hour
	}

	o := &Orchestrator{
		conf:        conf,
		store:       conf.Store,
		coordinator: conf.Coordinator,
		executor:    conf.Executor,
		client:      conf.Client,
		bus:         conf.Bus,
		logger:      conf.Logger,
		now:         time.Now,
		state:       StateNone,
		done:        make(chan struct{}),
	}

	o.coordinator.On(tabsync.EventSessionUpdate, o.onRemoteUpdate)
	o.coordinator.On(tabsync.EventTokenRefresh, o.onRemoteUpdate)
	o.coordinator.On(tabsync.EventLogout, o.onRemoteLogout)
	o.coordinator.On(tabsync.EventActivity, func(tabsync.Message) { o.store.SyncFromStorage() })
	o.coordinator.On(tabsync.EventWake, func(tabsync.Message) { o.wake() })

	o.wg.Add(1)
	go o.run()

	return o
}

// CreateSession builds a session from a sign-in payload, persists it and
// announces it to the other terminals. Returns false without side effects
// when the payload is malformed.
func (o *Orchestrator) CreateSession(payload *libcaissa.CheckPayload) bool {
	if !payload.Defined() || payload.Token == "" {
		o.logger.Warn("rejecting malformed sign-in payload")
		return false
	}

	o.setState(StateInitializing)

	now := libcaissa.UnixMillisecond(o.now())
	record := model.NewRecord()
	applyPayload(record, payload)
	record.LoginAt = now
	record.LastActivity = now
	record.LastValidation = now
	record.ExpiresAt = now + o.conf.MaxLifetime.Milliseconds()

	if !o.store.Save(record) && !o.store.HasSession() {
		o.setState(StateNone)
		return false
	}

	o.client.SetBearerToken(record.Token)
	o.resetWarnings()
	o.setState(StateActive)
	o.coordinator.BroadcastSessionUpdate(record)
	o.emit(EventCreated, Created{User: record.User})
	return true
}

// RestoreSession adopts the persisted session at startup. An expired record
// is cleared; a valid one is confirmed against the server, and kept
// optimistically when the server cannot be reached.
func (o *Orchestrator) RestoreSession(ctx context.Context) (*model.Record, error) {
	if !o.store.HasSession() {
		o.setState(StateNone)
		return nil, nil
	}

	o.setState(StateInitializing)

	if o.store.IsExpired() {
		o.expire(string(ReasonClientExpired))
		return nil, nil
	}

	result := o.Validate(ctx)
	switch {
	case result.OK:
		o.store.ExtendExpiration(o.conf.MaxLifetime)
		o.markExtended()
	case result.Terminal():
		// Validate already cleared the session.
		return nil, nil
	case result.Reason == ReasonNoToken:
		o.setState(StateNone)
		return nil, nil
	default:
		// Network or server failure inside the grace period.
		o.logger.WithError(result.Err).Info("restoring session without server confirmation")
	}

	o.resetWarnings()
	o.setState(StateActive)
	record := o.store.Get()
	o.client.SetBearerToken(record.Token)
	o.emit(EventRestored, Restored{User: record.User, Offline: !result.OK})
	return record, nil
}

// RecordActivity stamps user interaction and, subject to the throttle,
// silently slides the expiration window.
func (o *Orchestrator) RecordActivity() {
	if !o.IsActive() {
		return
	}

	ts := o.store.RecordActivity()
	if ts == 0 {
		return
	}
	o.emit(EventActivity, Activity{Timestamp: ts})

	o.mu.Lock()
	throttled := o.now().Sub(o.lastExtension) < o.conf.ExtendThrottle
	o.mu.Unlock()
	if throttled {
		return
	}

	// A session running unvalidated past the grace period no longer earns
	// extensions from activity alone.
	if o.pastOfflineGrace() {
		o.logger.Warn("not extending a session past its offline grace period")
		return
	}

	if o.store.ExtendExpiration(o.conf.MaxLifetime) {
		o.markExtended()
		o.coordinator.BroadcastSessionUpdate(o.store.Get())
	}
}

// Extend slides the expiration window immediately, bypassing the activity
// throttle. An expiry warning in progress is withdrawn.
func (o *Orchestrator) Extend() bool {
	if !o.store.HasSession() {
		return false
	}
	if !o.store.ExtendExpiration(o.conf.MaxLifetime) {
		return false
	}
	o.markExtended()
	o.resetWarnings()
	o.compareAndSetState(StateExpiringSoon, StateActive)

	record := o.store.Get()
	o.coordinator.BroadcastSessionUpdate(record)
	o.emit(EventExtended, Extended{ExpiresAt: record.ExpiresAt})
	return true
}

// Logout clears the session everywhere. The server-side revocation is best
// effort and its failure is logged, never surfaced.
func (o *Orchestrator) Logout(ctx context.Context, opts LogoutOptions) error {
	if opts.Revoke && o.store.GetToken() != "" {
		_, err := o.executor.Execute(ctx, func(ctx context.Context) (any, error) {
			return nil, o.client.SignOut(ctx)
		}, resilient.Options{MaxAttempts: 1})
		if err != nil {
			o.logger.WithError(err).Warn("could not revoke session on server")
		}
	}

	reason := opts.Reason
	if reason == "" {
		reason = "logout"
	}

	o.store.Clear()
	o.setState(StateNone)
	o.coordinator.BroadcastLogout(reason)
	o.emit(EventCleared, Cleared{Reason: reason})
	return nil
}

// HandleUnauthorized reacts to a 401 observed anywhere in the application.
// One revalidation runs first so a transient server hiccup does not log the
// operator out.
func (o *Orchestrator) HandleUnauthorized(ctx context.Context) {
	if !o.store.HasSession() {
		return
	}
	result := o.Validate(ctx)
	if result.OK || result.Terminal() {
		// Either the token still works, or Validate tore the session down.
		return
	}
	o.logger.WithField("reason", result.Reason).
		Debug("keeping session after unauthorized response")
}

//
// Getters
//

// GetState returns the current lifecycle state.
func (o *Orchestrator) GetState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsActive returns true while the session is usable.
func (o *Orchestrator) IsActive() bool {
	switch o.GetState() {
	case StateActive, StateValidating, StateExpiringSoon:
		return true
	}
	return false
}

// HasSession returns true if a credential is held, regardless of state.
func (o *Orchestrator) HasSession() bool {
	return o.store.HasSession()
}

// GetToken returns the session token.
func (o *Orchestrator) GetToken() string {
	return o.store.GetToken()
}

// GetUser returns the logged-in operator, or nil.
func (o *Orchestrator) GetUser() *model.Operator {
	return o.store.GetUser()
}

// GetSession returns a copy of the session record, or nil.
func (o *Orchestrator) GetSession() *model.Record {
	return o.store.Get()
}

// GetField returns the record value at a dotted path, e.g. "user.name".
func (o *Orchestrator) GetField(path string) (any, bool) {
	return o.store.GetField(path)
}

// UpdateSession applies a partial mutation to the record and announces it.
func (o *Orchestrator) UpdateSession(mutate func(*model.Record)) bool {
	if !o.store.Update(mutate) {
		return false
	}
	o.coordinator.BroadcastSessionUpdate(o.store.Get())
	return true
}

// GetTimeUntilExpiry returns the remaining lifetime, or store.NoExpiry.
func (o *Orchestrator) GetTimeUntilExpiry() time.Duration {
	return o.store.TimeUntilExpiry()
}

// GetStatus returns a diagnostic snapshot.
func (o *Orchestrator) GetStatus() Status {
	record := o.store.Get()
	status := Status{
		State:           o.GetState(),
		TimeUntilExpiry: o.store.TimeUntilExpiry(),
		Online:          o.executor.Monitor().Online(),
		Breaker:         o.executor.Breaker().State(),
		Coordinator:     o.coordinator.Status(),
	}
	if record != nil {
		status.User = record.User
		status.ExpiresAt = record.ExpiresAt
		status.LastValidation = record.LastValidation
	}
	return status
}

// On subscribes to a session event. The returned function unsubscribes.
func (o *Orchestrator) On(event string, fn bus.Handler) func() {
	return o.bus.Subscribe(event, fn)
}

// Once subscribes for a single delivery.
func (o *Orchestrator) Once(event string, fn bus.Handler) func() {
	return o.bus.SubscribeOnce(event, fn)
}

// Destroy stops the background timers and flushes pending writes. The
// injected sub-components are owned by the composition root and stay alive.
func (o *Orchestrator) Destroy() {
	o.once.Do(func() {
		close(o.done)
		o.wg.Wait()
		o.store.Flush()
	})
}

//
// Background loops
//

// run drives the two periodic concerns: leader-only server revalidation and
// the per-terminal expiration watch.
func (o *Orchestrator) run() {
	defer o.wg.Done()

	revalidate := time.NewTicker(o.conf.RevalidateEvery)
	defer revalidate.Stop()
	expiry := time.NewTicker(o.conf.ExpiryCheckEvery)
	defer expiry.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-revalidate.C:
			if o.coordinator.IsLeader() && o.IsActive() {
				o.Validate(context.Background())
			}
		case <-expiry.C:
			o.checkExpiry()
		}
	}
}

// checkExpiry walks the warning ladder and performs hard expiration.
func (o *Orchestrator) checkExpiry() {
	if !o.IsActive() || !o.store.HasSession() {
		return
	}

	remaining := o.store.TimeUntilExpiry()
	if remaining == store.NoExpiry {
		return
	}

	switch {
	case remaining <= 0:
		o.expire("")
	case remaining <= o.conf.CriticalWarning:
		o.mu.Lock()
		warn := !o.warnedCritical
		o.warnedCritical = true
		o.mu.Unlock()
		o.setState(StateExpiringSoon)
		if warn {
			o.emit(EventExpiringSoon, ExpiringSoon{TimeUntilExpiry: remaining, Critical: true})
		}
	case remaining <= o.conf.SoftWarning:
		o.mu.Lock()
		warn := !o.warnedSoft
		o.warnedSoft = true
		o.mu.Unlock()
		if warn {
			o.emit(EventExpiringSoon, ExpiringSoon{TimeUntilExpiry: remaining, Critical: false})
		}
	default:
		// Another terminal extended the session behind our back.
		o.resetWarnings()
		o.compareAndSetState(StateExpiringSoon, StateActive)
	}
}

// expire performs full client-side expiration: clear, announce, emit.
func (o *Orchestrator) expire(reason string) {
	o.logger.WithField("reason", reason).Info("session expired")

	o.store.Clear()
	o.setState(StateExpired)
	o.emit(EventExpired, Expired{Reason: reason})
	o.coordinator.BroadcastLogout("expired")
}

//
// Cross-terminal handlers
//

// onRemoteUpdate adopts session state written by another terminal.
func (o *Orchestrator) onRemoteUpdate(tabsync.Message) {
	if !o.store.SyncFromStorage() {
		return
	}

	record := o.store.Get()
	if record == nil {
		return
	}
	o.client.SetBearerToken(record.Token)

	// A terminal sitting in a terminal-for-the-session state rejoins when a
	// sibling signs in again.
	switch o.GetState() {
	case StateNone, StateExpired, StateInvalid:
		if record.HasSession() && !o.store.IsExpired() {
			o.resetWarnings()
			o.setState(StateActive)
		}
	case StateExpiringSoon:
		if o.store.TimeUntilExpiry() > o.conf.SoftWarning {
			o.resetWarnings()
			o.setState(StateActive)
		}
	}

	o.emit(EventTabSynced, TabSynced{User: record.User})
}

// onRemoteLogout clears the local session without re-broadcasting, so a
// logout never echoes between terminals.
func (o *Orchestrator) onRemoteLogout(m tabsync.Message) {
	if o.GetState() == StateNone && !o.store.HasSession() {
		return
	}

	o.store.Clear()
	o.setState(StateNone)
	o.emit(EventCleared, Cleared{Reason: m.Reason, Remote: true})
}

// wake re-evaluates the session after the terminal was backgrounded.
func (o *Orchestrator) wake() {
	o.store.SyncFromStorage()
	o.checkExpiry()
}

//
// State plumbing
//

func (o *Orchestrator) setState(next State) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()

	if prev == next {
		return
	}
	o.logger.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("state change")
	o.emit(EventStateChange, StateChange{Old: prev, New: next})
}

// compareAndSetState transitions only when the current state matches.
func (o *Orchestrator) compareAndSetState(expect, next State) {
	o.mu.Lock()
	if o.state != expect {
		o.mu.Unlock()
		return
	}
	o.state = next
	o.mu.Unlock()

	o.emit(EventStateChange, StateChange{Old: expect, New: next})
}

func (o *Orchestrator) markExtended() {
	o.mu.Lock()
	o.lastExtension = o.now()
	o.mu.Unlock()
}

func (o *Orchestrator) resetWarnings() {
	o.mu.Lock()
	o.warnedSoft = false
	o.warnedCritical = false
	o.mu.Unlock()
}

func (o *Orchestrator) emit(event string, payload any) {
	o.bus.Publish(event, payload)
}
