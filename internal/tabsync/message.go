package tabsync

import "encoding/json"

// A Type tags a coordination message. The set is closed; receivers drop
// anything they do not recognize.
type Type string

// Coordination message types.
const (
	TypeSessionUpdate Type = "session_update"
	TypeLogout        Type = "logout"
	TypeTokenRefresh  Type = "token_refresh"
	TypeActivity      Type = "activity"
	TypeHeartbeat     Type = "heartbeat"
	TypeLeaderClaim   Type = "leader_claim"
	TypeLeaderAck     Type = "leader_ack"
)

// A Message is the envelope exchanged between terminals of a profile.
type Message struct {
	Type     Type            `json:"type"`
	Sender   string          `json:"sender"`
	SentAt   int64           `json:"sent_at"` // epoch milliseconds
	Leader   bool            `json:"leader,omitempty"`
	LeaderID string          `json:"leader_id,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
