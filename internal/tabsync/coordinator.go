// Package tabsync gives every terminal of a register profile a shared view
// of session changes and elects a single leader responsible for periodic
// server revalidation, so N terminals never issue N redundant checks.
package tabsync

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"
)

// Receiver-side events, see Coordinator.On.
const (
	EventSessionUpdate = "session_update"
	EventLogout        = "logout"
	EventTokenRefresh  = "token_refresh"
	EventActivity      = "activity"
	EventWake          = "wake"
	EventLeaderChange  = "leader_change"
)

type (
	// Config holds the coordinator parameters.
	Config struct {
		Transport Transport
		Election  Election
		Logger    logrus.FieldLogger
		// ID overrides the generated terminal id. Tests only.
		ID string
	}

	// A Coordinator is one terminal's endpoint on the coordination channel.
	// It runs the leader election and surfaces the session messages of the
	// other terminals.
	Coordinator struct {
		id        string
		transport Transport
		election  Election
		logger    logrus.FieldLogger

		mu             sync.Mutex
		leader         bool
		leaderID       string
		leaderLastSeen time.Time
		claiming       bool
		destroyed      bool
		handlers       map[string][]func(Message)
		declareTimer   *time.Timer

		unsubscribe func()
		done        chan struct{}
		wg          sync.WaitGroup
	}

	// A Status is a diagnostic snapshot of the coordinator.
	Status struct {
		ID             string    `json:"id"`
		Leader         bool      `json:"leader"`
		LeaderID       string    `json:"leader_id"`
		LeaderLastSeen time.Time `json:"leader_last_seen"`
	}
)

// New returns a started Coordinator. The claim protocol begins after the
// election's randomized delay.
func New(conf Config) *Coordinator {
	if conf.Election == nil {
		conf.Election = RandomizedElection{}
	}
	if conf.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		conf.Logger = logger
	}
	if conf.ID == "" {
		conf.ID = uuid.Must(uuid.NewV4()).String()
	}

	short := conf.ID
	if len(short) > 8 {
		short = short[:8]
	}

	c := &Coordinator{
		id:        conf.ID,
		transport: conf.Transport,
		election:  conf.Election,
		logger:    conf.Logger.WithField("terminal", short),
		handlers:  make(map[string][]func(Message)),
		done:      make(chan struct{}),

		// Grace before the first claim so an established leader has a full
		// timeout to manifest itself.
		leaderLastSeen: time.Now(),
	}

	c.unsubscribe = c.transport.Subscribe(c.onMessage)

	time.AfterFunc(c.election.ClaimDelay(), c.claim)

	c.wg.Add(1)
	go c.watch()

	return c
}

// ID returns the terminal id.
func (c *Coordinator) ID() string {
	return c.id
}

// IsLeader returns true if this terminal currently holds leadership.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// LeaderID returns the id of the last known leader.
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// On registers a handler for one of the receiver-side events.
func (c *Coordinator) On(event string, fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

// BroadcastSessionUpdate tells the other terminals the session changed and
// they should re-sync from the backing store.
func (c *Coordinator) BroadcastSessionUpdate(payload any) {
	c.publish(Message{Type: TypeSessionUpdate, Payload: marshal(payload)})
}

// BroadcastLogout tells the other terminals to clear their local session.
func (c *Coordinator) BroadcastLogout(reason string) {
	c.publish(Message{Type: TypeLogout, Reason: reason})
}

// BroadcastTokenRefresh tells the other terminals the credential changed.
func (c *Coordinator) BroadcastTokenRefresh(payload any) {
	c.publish(Message{Type: TypeTokenRefresh, Payload: marshal(payload)})
}

// BroadcastActivity propagates an aggregated activity signal.
func (c *Coordinator) BroadcastActivity() {
	c.publish(Message{Type: TypeActivity})
}

// ForceLeadership grabs leadership unconditionally. Escape hatch.
func (c *Coordinator) ForceLeadership() {
	c.mu.Lock()
	c.leader = true
	c.leaderID = c.id
	c.claiming = false
	c.stopDeclareTimer()
	handlers := c.collect(EventLeaderChange)
	c.mu.Unlock()

	c.publish(Message{Type: TypeLeaderAck, LeaderID: c.id})
	c.publish(Message{Type: TypeHeartbeat, Leader: true})
	c.emit(handlers, Message{Type: TypeLeaderAck, LeaderID: c.id})
}

// WakeUp is called when a backgrounded terminal becomes visible again. It
// re-evaluates leadership immediately instead of waiting for the next
// heartbeat cycle and asks the owner to re-sync from storage.
func (c *Coordinator) WakeUp() {
	c.mu.Lock()
	stale := !c.leader && time.Since(c.leaderLastSeen) > c.election.LeaderTimeout()
	handlers := c.collect(EventWake)
	c.mu.Unlock()

	c.emit(handlers, Message{Type: TypeActivity, Sender: c.id})
	if stale {
		c.claim()
	}
}

// Status returns a diagnostic snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ID:             c.id,
		Leader:         c.leader,
		LeaderID:       c.leaderID,
		LeaderLastSeen: c.leaderLastSeen,
	}
}

// Destroy closes the endpoint and clears its timers. Leadership is
// relinquished implicitly; followers re-elect once heartbeats stop.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.stopDeclareTimer()
	c.mu.Unlock()

	close(c.done)
	c.unsubscribe()
	c.wg.Wait()
}

//
// Election
//

// claim opens a leadership claim: broadcast, then self-declare unless a
// better-placed terminal manifests itself within the claim window.
func (c *Coordinator) claim() {
	c.mu.Lock()
	if c.destroyed || c.leader || c.claiming {
		c.mu.Unlock()
		return
	}
	c.claiming = true
	c.declareTimer = time.AfterFunc(c.election.ClaimWindow(), c.declare)
	c.mu.Unlock()

	c.publish(Message{Type: TypeLeaderClaim})
}

func (c *Coordinator) declare() {
	c.mu.Lock()
	if !c.claiming || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.claiming = false
	c.leader = true
	c.leaderID = c.id
	c.leaderLastSeen = time.Now()
	handlers := c.collect(EventLeaderChange)
	c.mu.Unlock()

	c.logger.Debug("assuming leadership")
	c.publish(Message{Type: TypeLeaderAck, LeaderID: c.id})
	c.emit(handlers, Message{Type: TypeLeaderAck, LeaderID: c.id})
}

// watch sends heartbeats while leading and re-runs the claim protocol when
// the leader's heartbeats stop arriving.
func (c *Coordinator) watch() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.election.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			leader := c.leader
			stale := !c.leader && !c.claiming &&
				time.Since(c.leaderLastSeen) > c.election.LeaderTimeout()
			c.mu.Unlock()

			if leader {
				c.publish(Message{Type: TypeHeartbeat, Leader: true})
				continue
			}
			if stale {
				c.logger.Debug("leader heartbeat missing, re-electing")
				c.claim()
			}
		}
	}
}

//
// Receiver
//

func (c *Coordinator) onMessage(m Message) {
	if m.Sender == c.id {
		return
	}

	switch m.Type {
	case TypeLeaderClaim:
		c.onClaim(m)
	case TypeLeaderAck:
		c.onAck(m)
	case TypeHeartbeat:
		c.onHeartbeat(m)
	case TypeSessionUpdate:
		c.dispatch(EventSessionUpdate, m)
	case TypeLogout:
		c.dispatch(EventLogout, m)
	case TypeTokenRefresh:
		c.dispatch(EventTokenRefresh, m)
	case TypeActivity:
		c.dispatch(EventActivity, m)
	default:
		c.logger.WithField("type", m.Type).Debug("dropping unknown message")
	}
}

func (c *Coordinator) onClaim(m Message) {
	c.mu.Lock()
	reassert := c.leader
	if c.claiming && m.Sender < c.id {
		// Simultaneous claims: the lexicographically lower id wins.
		c.claiming = false
		c.stopDeclareTimer()
		c.leaderLastSeen = time.Now()
	}
	c.mu.Unlock()

	if reassert {
		// An established leader answers claims immediately so the claimant
		// steps back without waiting for the next heartbeat.
		c.publish(Message{Type: TypeHeartbeat, Leader: true})
	}
}

func (c *Coordinator) onAck(m Message) {
	c.mu.Lock()
	var handlers []func(Message)
	stepdown := c.leader && m.LeaderID < c.id
	if stepdown || !c.leader {
		if c.leader {
			c.leader = false
			handlers = c.collect(EventLeaderChange)
		}
		c.leaderID = m.LeaderID
		c.leaderLastSeen = time.Now()
		c.claiming = false
		c.stopDeclareTimer()
	}
	reassert := c.leader && m.LeaderID > c.id
	c.mu.Unlock()

	if reassert {
		c.publish(Message{Type: TypeHeartbeat, Leader: true})
	}
	c.emit(handlers, m)
}

func (c *Coordinator) onHeartbeat(m Message) {
	if !m.Leader {
		return
	}

	c.mu.Lock()
	var handlers []func(Message)
	reassert := c.leader && m.Sender > c.id
	if !reassert {
		if c.leader {
			// Two leaders: the higher id steps down.
			c.leader = false
			handlers = c.collect(EventLeaderChange)
		}
		c.leaderID = m.Sender
		c.leaderLastSeen = time.Now()
		c.claiming = false
		c.stopDeclareTimer()
	}
	c.mu.Unlock()

	if reassert {
		c.publish(Message{Type: TypeHeartbeat, Leader: true})
	}
	c.emit(handlers, m)
}

//
// Plumbing
//

func (c *Coordinator) publish(m Message) {
	m.Sender = c.id
	m.SentAt = time.Now().UnixMilli()
	if err := c.transport.Publish(m); err != nil {
		c.logger.WithError(err).WithField("type", m.Type).Warn("could not publish message")
	}
}

func (c *Coordinator) dispatch(event string, m Message) {
	c.mu.Lock()
	handlers := c.collect(event)
	c.mu.Unlock()
	c.emit(handlers, m)
}

// collect must be called with the mutex held.
func (c *Coordinator) collect(event string) []func(Message) {
	return append([]func(Message){}, c.handlers[event]...)
}

// emit runs handlers without holding the mutex; handlers may call back into
// the coordinator.
func (c *Coordinator) emit(handlers []func(Message), m Message) {
	for _, fn := range handlers {
		fn(m)
	}
}

// stopDeclareTimer must be called with the mutex held.
func (c *Coordinator) stopDeclareTimer() {
	if c.declareTimer != nil {
		c.declareTimer.Stop()
		c.declareTimer = nil
	}
}

func marshal(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return raw
}
