package session_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/caissapos/caissa/internal/model"
	"github.com/caissapos/caissa/internal/session"
	"github.com/caissapos/caissa/internal/store"
	"github.com/caissapos/caissa/internal/tabsync"
	"github.com/caissapos/caissa/pkg/bus"
	"github.com/caissapos/caissa/pkg/libcaissa"
	"github.com/caissapos/caissa/pkg/resilient"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// fakeClient implements libcaissa.Client against a scripted backend.
type fakeClient struct {
	mu       sync.Mutex
	bearer   string
	check    func(ctx context.Context) (*libcaissa.CheckPayload, error)
	checks   int
	signOuts int
}

func (c *fakeClient) SignIn(email, password string) (*libcaissa.CheckPayload, error) {
	return signInPayload(), nil
}

func (c *fakeClient) CheckSession(ctx context.Context) (*libcaissa.CheckPayload, error) {
	c.mu.Lock()
	c.checks++
	check := c.check
	c.mu.Unlock()
	if check == nil {
		payload := signInPayload()
		payload.Token = ""
		return payload, nil
	}
	return check(ctx)
}

func (c *fakeClient) checkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checks
}

func (c *fakeClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signOuts++
	return nil
}

func (c *fakeClient) BearerToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bearer
}

func (c *fakeClient) SetBearerToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bearer = token
}

func signInPayload() *libcaissa.CheckPayload {
	return &libcaissa.CheckPayload{
		Token:             "t42",
		User:              &libcaissa.User{ID: "u1", Name: "George", Role: "cashier"},
		Permissions:       []string{"orders.read"},
		Limits:            map[string]float64{"maxDiscountPercent": 10},
		InterfaceAccess:   map[string]bool{"pos": true},
		POSModules:        map[string]bool{"orders": true},
		BackofficeModules: map[string]bool{},
	}
}

// terminal bundles one simulated register terminal.
type terminal struct {
	orchestrator *session.Orchestrator
	store        *store.Store
	coordinator  *tabsync.Coordinator
	client       *fakeClient
	bus          *bus.Bus
}

func (term *terminal) destroy() {
	term.orchestrator.Destroy()
	term.coordinator.Destroy()
	term.bus.Close()
}

// events subscribes and returns an accessor of observed payloads.
func (term *terminal) events(name string) func() []any {
	var mu sync.Mutex
	var got []any
	term.orchestrator.On(name, func(e bus.Event) {
		mu.Lock()
		got = append(got, e.Payload)
		mu.Unlock()
	})
	return func() []any {
		mu.Lock()
		defer mu.Unlock()
		return append([]any{}, got...)
	}
}

func newTerminal(id string, kv store.KV, hub *tabsync.Hub, mutate func(*session.Config)) *terminal {
	client := &fakeClient{}
	st := store.New(store.Config{KV: kv, ActivityFlushWindow: 10 * time.Millisecond})
	coordinator := tabsync.New(tabsync.Config{
		Transport: hub,
		Election:  tabsync.InstantElection{Window: 10 * time.Millisecond, Heartbeat: 20 * time.Millisecond},
		ID:        id,
	})
	b := bus.New("session", 8)
	executor := resilient.New(resilient.Config{
		MaxAttempts:    1,
		AttemptTimeout: 200 * time.Millisecond,
		Backoff: resilient.Backoff{
			BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, JitterFactor: 0,
		},
		FailureThreshold: 100,
		ResetTimeout:     time.Second,
	}, nil)

	conf := session.Config{
		Store:       st,
		Coordinator: coordinator,
		Executor:    executor,
		Client:      client,
		Bus:         b,
	}
	if mutate != nil {
		mutate(&conf)
	}

	return &terminal{
		orchestrator: session.New(conf),
		store:        st,
		coordinator:  coordinator,
		client:       client,
		bus:          b,
	}
}

func seedRecord(kv store.KV, expiresIn time.Duration) {
	st := store.New(store.Config{KV: kv})
	record := model.NewRecord()
	record.Token = "t42"
	record.User = &model.Operator{ID: "u1", Name: "George", Role: "cashier"}
	record.LoginAt = time.Now().Add(-time.Hour).UnixMilli()
	record.LastActivity = record.LoginAt
	record.LastValidation = record.LoginAt
	record.ExpiresAt = time.Now().Add(expiresIn).UnixMilli()
	if !st.Save(record) {
		panic("could not seed session record")
	}
}

func TestCreateSession(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, nil)
	defer term.destroy()

	created := term.events(session.EventCreated)

	assert.True(t, term.orchestrator.CreateSession(signInPayload()))
	assert.Equal(t, session.StateActive, term.orchestrator.GetState())
	assert.True(t, term.orchestrator.IsActive())
	assert.Equal(t, "t42", term.orchestrator.GetToken())
	assert.Equal(t, "George", term.orchestrator.GetUser().Name)
	assert.Equal(t, "t42", term.client.BearerToken())
	assert.Len(t, created(), 1)

	v, ok := term.orchestrator.GetField("limits.maxDiscountPercent")
	assert.True(t, ok)
	assert.Equal(t, float64(10), v)
}

func TestCreateSessionRejectsMalformedPayload(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, nil)
	defer term.destroy()

	payload := signInPayload()
	payload.Token = ""
	assert.False(t, term.orchestrator.CreateSession(payload))

	payload = signInPayload()
	payload.User = nil
	assert.False(t, term.orchestrator.CreateSession(payload))

	assert.False(t, term.orchestrator.HasSession())
}

func TestRestoreSessionWithoutRecord(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, nil)
	defer term.destroy()

	record, err := term.orchestrator.RestoreSession(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, record)
	assert.Equal(t, session.StateNone, term.orchestrator.GetState())
}

func TestRestoreSessionClientExpired(t *testing.T) {
	kv := store.NewMemoryKV()
	seedRecord(kv, -time.Second)

	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", kv, hub, nil)
	defer term.destroy()

	expired := term.events(session.EventExpired)

	record, err := term.orchestrator.RestoreSession(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, record)
	assert.Equal(t, session.StateExpired, term.orchestrator.GetState())
	assert.False(t, term.orchestrator.HasSession())

	if events := expired(); assert.Len(t, events, 1) {
		assert.Equal(t, string(session.ReasonClientExpired), events[0].(session.Expired).Reason)
	}
}

func TestRestoreSessionOfflineKeepsCachedRecord(t *testing.T) {
	kv := store.NewMemoryKV()
	seedRecord(kv, 4*time.Hour)

	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", kv, hub, nil)
	defer term.destroy()

	term.client.check = func(context.Context) (*libcaissa.CheckPayload, error) {
		return nil, errors.New("connection refused")
	}

	restored := term.events(session.EventRestored)

	record, err := term.orchestrator.RestoreSession(context.Background())
	assert.NoError(t, err)
	if assert.NotNil(t, record) {
		assert.Equal(t, "t42", record.Token)
	}
	assert.Equal(t, session.StateActive, term.orchestrator.GetState())

	if events := restored(); assert.Len(t, events, 1) {
		assert.True(t, events[0].(session.Restored).Offline)
	}
}

func TestRestoreSessionRevokedTokenClears(t *testing.T) {
	kv := store.NewMemoryKV()
	seedRecord(kv, 4*time.Hour)

	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", kv, hub, nil)
	defer term.destroy()

	term.client.check = func(context.Context) (*libcaissa.CheckPayload, error) {
		return nil, &libcaissa.APIError{StatusCode: http.StatusUnauthorized}
	}

	failed := term.events(session.EventValidationFailed)

	record, err := term.orchestrator.RestoreSession(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, record)
	assert.Equal(t, session.StateInvalid, term.orchestrator.GetState())
	assert.False(t, term.orchestrator.HasSession())

	if events := failed(); assert.Len(t, events, 1) {
		assert.Equal(t, session.ReasonTokenExpired, events[0].(session.ValidationFailed).Reason)
	}
}

func TestRestoreSessionPastOfflineGraceForcesReauth(t *testing.T) {
	kv := store.NewMemoryKV()
	seedRecord(kv, 4*time.Hour)

	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", kv, hub, func(conf *session.Config) {
		// The seeded record was last validated an hour ago.
		conf.OfflineGrace = 30 * time.Minute
	})
	defer term.destroy()

	term.client.check = func(context.Context) (*libcaissa.CheckPayload, error) {
		return nil, errors.New("connection refused")
	}

	record, err := term.orchestrator.RestoreSession(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, record)
	assert.False(t, term.orchestrator.HasSession())
	assert.Equal(t, session.StateInvalid, term.orchestrator.GetState())
}

func TestValidateRefreshesAuthorizationSnapshot(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, nil)
	defer term.destroy()

	assert.True(t, term.orchestrator.CreateSession(signInPayload()))
	before := term.orchestrator.GetSession().LastValidation

	term.client.check = func(context.Context) (*libcaissa.CheckPayload, error) {
		payload := signInPayload()
		payload.Token = ""
		payload.Permissions = []string{"orders.read", "orders.void"}
		payload.Limits["maxDiscountPercent"] = 25
		return payload, nil
	}

	time.Sleep(2 * time.Millisecond)
	result := term.orchestrator.Validate(context.Background())
	assert.True(t, result.OK)

	record := term.orchestrator.GetSession()
	assert.Equal(t, []string{"orders.read", "orders.void"}, record.Permissions)
	assert.Equal(t, float64(25), record.Limits["maxDiscountPercent"])
	assert.GreaterOrEqual(t, record.LastValidation, before)
	// The token survives a check response that does not carry one.
	assert.Equal(t, "t42", record.Token)
	assert.Equal(t, session.StateActive, term.orchestrator.GetState())
}

func TestValidateCollapsesConcurrentCalls(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, nil)
	defer term.destroy()

	assert.True(t, term.orchestrator.CreateSession(signInPayload()))

	release := make(chan struct{})
	term.client.check = func(context.Context) (*libcaissa.CheckPayload, error) {
		<-release
		payload := signInPayload()
		payload.Token = ""
		return payload, nil
	}

	var wg sync.WaitGroup
	results := make([]session.ValidationResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = term.orchestrator.Validate(context.Background())
		}(i)
	}

	assert.Eventually(t, func() bool {
		return term.orchestrator.GetState() == session.StateValidating
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	close(release)
	wg.Wait()

	// Both callers got the shared answer from a single request.
	assert.Equal(t, 1, term.client.checkCount())
	assert.True(t, results[0].OK)
	assert.True(t, results[1].OK)
	assert.Equal(t, session.StateActive, term.orchestrator.GetState())
}

func TestValidateWithoutToken(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, nil)
	defer term.destroy()

	result := term.orchestrator.Validate(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, session.ReasonNoToken, result.Reason)
}

func TestExtendIsMonotonicAndResetsWarning(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, nil)
	defer term.destroy()

	assert.True(t, term.orchestrator.CreateSession(signInPayload()))
	extended := term.events(session.EventExtended)

	previous := term.orchestrator.GetSession().ExpiresAt
	for i := 0; i < 3; i++ {
		assert.True(t, term.orchestrator.Extend())
		current := term.orchestrator.GetSession().ExpiresAt
		assert.GreaterOrEqual(t, current, previous)
		previous = current
	}
	assert.Len(t, extended(), 3)
}

func TestRecordActivityThrottlesSilentExtension(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, func(conf *session.Config) {
		conf.ExtendThrottle = time.Hour
	})
	defer term.destroy()

	assert.True(t, term.orchestrator.CreateSession(signInPayload()))

	// First activity extends.
	term.orchestrator.RecordActivity()
	first := term.orchestrator.GetSession().LastExtension
	assert.Greater(t, first, int64(0))

	// Further activity is throttled: activity is stamped, no new extension.
	time.Sleep(2 * time.Millisecond)
	term.orchestrator.RecordActivity()
	record := term.orchestrator.GetSession()
	assert.Equal(t, first, record.LastExtension)
	assert.GreaterOrEqual(t, record.LastActivity, first)
}

func TestCrossTerminalConvergence(t *testing.T) {
	kv := store.NewMemoryKV()
	hub := tabsync.NewHub()
	defer hub.Close()

	a := newTerminal("a", kv, hub, nil)
	defer a.destroy()
	b := newTerminal("b", kv, hub, nil)
	defer b.destroy()

	assert.False(t, b.orchestrator.HasSession())
	assert.True(t, a.orchestrator.CreateSession(signInPayload()))

	assert.Eventually(t, func() bool {
		return b.orchestrator.HasSession()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, a.orchestrator.GetToken(), b.orchestrator.GetToken())
	assert.Equal(t, a.orchestrator.GetUser().ID, b.orchestrator.GetUser().ID)
	assert.Equal(t, session.StateActive, b.orchestrator.GetState())
	assert.Equal(t, "t42", b.client.BearerToken())
}

func TestLogoutBroadcastWithoutEcho(t *testing.T) {
	kv := store.NewMemoryKV()
	hub := tabsync.NewHub()
	defer hub.Close()

	a := newTerminal("a", kv, hub, nil)
	defer a.destroy()
	b := newTerminal("b", kv, hub, nil)
	defer b.destroy()

	assert.True(t, a.orchestrator.CreateSession(signInPayload()))
	assert.Eventually(t, func() bool {
		return b.orchestrator.HasSession()
	}, 2*time.Second, 5*time.Millisecond)

	cleared := b.events(session.EventCleared)

	// Tap the raw channel to prove the logout is not echoed by b.
	var mu sync.Mutex
	logouts := 0
	hub.Subscribe(func(m tabsync.Message) {
		if m.Type == tabsync.TypeLogout {
			mu.Lock()
			logouts++
			mu.Unlock()
		}
	})

	assert.NoError(t, a.orchestrator.Logout(context.Background(), session.LogoutOptions{Revoke: true}))
	assert.Equal(t, 1, a.client.signOuts)
	assert.False(t, a.orchestrator.HasSession())

	assert.Eventually(t, func() bool {
		return !b.orchestrator.HasSession()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StateNone, b.orchestrator.GetState())

	if events := cleared(); assert.Len(t, events, 1) {
		assert.True(t, events[0].(session.Cleared).Remote)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, logouts)
	mu.Unlock()
}

func TestExpiryWarningLadder(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, func(conf *session.Config) {
		conf.ExpiryCheckEvery = 10 * time.Millisecond
		conf.MaxLifetime = 30 * time.Minute
		conf.SoftWarning = time.Hour
		conf.CriticalWarning = time.Minute
	})
	defer term.destroy()

	warnings := term.events(session.EventExpiringSoon)
	expired := term.events(session.EventExpired)

	assert.True(t, term.orchestrator.CreateSession(signInPayload()))

	// 30m remaining is inside the soft threshold.
	assert.Eventually(t, func() bool { return len(warnings()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, warnings()[0].(session.ExpiringSoon).Critical)
	assert.Equal(t, session.StateActive, term.orchestrator.GetState())

	// Inside the critical threshold the state degrades.
	assert.True(t, term.orchestrator.UpdateSession(func(r *model.Record) {
		r.ExpiresAt = time.Now().Add(30 * time.Second).UnixMilli()
	}))
	assert.Eventually(t, func() bool { return len(warnings()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, warnings()[1].(session.ExpiringSoon).Critical)
	assert.Equal(t, session.StateExpiringSoon, term.orchestrator.GetState())

	// Hard expiry clears everything.
	assert.True(t, term.orchestrator.UpdateSession(func(r *model.Record) {
		r.ExpiresAt = time.Now().Add(-time.Second).UnixMilli()
	}))
	assert.Eventually(t, func() bool { return len(expired()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StateExpired, term.orchestrator.GetState())
	assert.False(t, term.orchestrator.HasSession())
}

func TestExtendWithdrawsExpiryWarning(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, func(conf *session.Config) {
		conf.ExpiryCheckEvery = 10 * time.Millisecond
		conf.MaxLifetime = 8 * time.Hour
	})
	defer term.destroy()

	assert.True(t, term.orchestrator.CreateSession(signInPayload()))
	assert.True(t, term.orchestrator.UpdateSession(func(r *model.Record) {
		r.ExpiresAt = time.Now().Add(2 * time.Minute).UnixMilli()
	}))

	assert.Eventually(t, func() bool {
		return term.orchestrator.GetState() == session.StateExpiringSoon
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, term.orchestrator.Extend())
	assert.Equal(t, session.StateActive, term.orchestrator.GetState())
	assert.Greater(t, term.orchestrator.GetTimeUntilExpiry(), time.Hour)
}

func TestHandleUnauthorizedKeepsWorkingToken(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, nil)
	defer term.destroy()

	assert.True(t, term.orchestrator.CreateSession(signInPayload()))

	// The server confirms the token: the stray 401 was a hiccup.
	term.orchestrator.HandleUnauthorized(context.Background())
	assert.True(t, term.orchestrator.HasSession())
	assert.Equal(t, session.StateActive, term.orchestrator.GetState())

	// The server rejects it: the session is torn down.
	term.client.check = func(context.Context) (*libcaissa.CheckPayload, error) {
		return nil, &libcaissa.APIError{StatusCode: http.StatusUnauthorized}
	}
	term.orchestrator.HandleUnauthorized(context.Background())
	assert.False(t, term.orchestrator.HasSession())
	assert.Equal(t, session.StateInvalid, term.orchestrator.GetState())
}

func TestGetStatus(t *testing.T) {
	hub := tabsync.NewHub()
	defer hub.Close()
	term := newTerminal("a", store.NewMemoryKV(), hub, nil)
	defer term.destroy()

	assert.True(t, term.orchestrator.CreateSession(signInPayload()))

	status := term.orchestrator.GetStatus()
	assert.Equal(t, session.StateActive, status.State)
	assert.Equal(t, "George", status.User.Name)
	assert.True(t, status.Online)
	assert.Equal(t, resilient.StateClosed, status.Breaker)
	assert.Equal(t, "a", status.Coordinator.ID)
}
