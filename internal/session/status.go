package session

import (
	"time"

	"github.com/caissapos/caissa/internal/model"
	"github.com/caissapos/caissa/internal/tabsync"
	"github.com/caissapos/caissa/pkg/resilient"
)

// A State is the lifecycle position of the session machine.
type State string

const (
	StateNone         State = "none"
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateValidating   State = "validating"
	StateExpiringSoon State = "expiring_soon"
	StateExpired      State = "expired"
	StateInvalid      State = "invalid"
)

// Events emitted on the bus. Subscribe with Orchestrator.On.
const (
	EventStateChange      = "state_change"
	EventCreated          = "created"
	EventRestored         = "restored"
	EventExtended         = "extended"
	EventExpiringSoon     = "expiring_soon"
	EventExpired          = "expired"
	EventCleared          = "cleared"
	EventValidationFailed = "validation_failed"
	EventNetworkError     = "network_error"
	EventTabSynced        = "tab_synced"
	EventActivity         = "activity"
)

type (
	// A StateChange is the payload of EventStateChange.
	StateChange struct {
		Old State `json:"old"`
		New State `json:"new"`
	}

	// A Created is the payload of EventCreated.
	Created struct {
		User *model.Operator `json:"user"`
	}

	// A Restored is the payload of EventRestored. Offline is true when the
	// session was restored without server confirmation.
	Restored struct {
		User    *model.Operator `json:"user"`
		Offline bool            `json:"offline"`
	}

	// An Extended is the payload of EventExtended.
	Extended struct {
		ExpiresAt int64 `json:"expiresAt"`
	}

	// An ExpiringSoon is the payload of EventExpiringSoon.
	ExpiringSoon struct {
		TimeUntilExpiry time.Duration `json:"timeUntilExpiry"`
		Critical        bool          `json:"critical"`
	}

	// An Expired is the payload of EventExpired.
	Expired struct {
		Reason string `json:"reason,omitempty"`
	}

	// A Cleared is the payload of EventCleared. Remote is true when the
	// logout originated on another terminal.
	Cleared struct {
		Reason string `json:"reason,omitempty"`
		Remote bool   `json:"remote"`
	}

	// A ValidationFailed is the payload of EventValidationFailed.
	ValidationFailed struct {
		Reason Reason `json:"reason"`
		Err    error  `json:"-"`
	}

	// A NetworkError is the payload of EventNetworkError.
	NetworkError struct {
		Err error `json:"-"`
	}

	// A TabSynced is the payload of EventTabSynced.
	TabSynced struct {
		User *model.Operator `json:"user"`
	}

	// An Activity is the payload of EventActivity.
	Activity struct {
		Timestamp int64 `json:"timestamp"`
	}

	// A Status is a diagnostic snapshot of the orchestrator and its
	// sub-components. Observability only.
	Status struct {
		State           State           `json:"state"`
		User            *model.Operator `json:"user,omitempty"`
		ExpiresAt       int64           `json:"expires_at,omitempty"`
		TimeUntilExpiry time.Duration   `json:"time_until_expiry"`
		LastValidation  int64           `json:"last_validation,omitempty"`
		Online          bool            `json:"online"`
		Breaker         resilient.State `json:"breaker"`
		Coordinator     tabsync.Status  `json:"coordinator"`
	}
)
