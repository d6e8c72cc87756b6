package model

import (
	"time"

	"github.com/pkg/errors"
)

// SchemaVersion is the current version of the persisted session record.
// Older records are migrated on load, see Migrate.
const SchemaVersion = 3

type (
	// An Operator identifies the logged-in user of the register.
	Operator struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Role string `json:"role,omitempty"`
	}

	// A Record is the authentication/authorization snapshot persisted by the
	// profile store. Exactly one Record exists per register profile.
	// All timestamps are epoch milliseconds.
	Record struct {
		Token             string             `json:"token"`
		User              *Operator          `json:"user"`
		Permissions       []string           `json:"permissions"`
		Limits            map[string]float64 `json:"limits"`
		InterfaceAccess   map[string]bool    `json:"interfaceAccess"`
		POSModules        map[string]bool    `json:"posModules"`
		BackofficeModules map[string]bool    `json:"backofficeModules"`
		LoginAt           int64              `json:"loginAt"`
		LastActivity      int64              `json:"lastActivity"`
		LastValidation    int64              `json:"lastValidation"`
		LastExtension     int64              `json:"lastExtension"`
		ExpiresAt         int64              `json:"expiresAt"`
		Version           int                `json:"version"`
	}
)

// NewRecord returns a Record with schema defaults.
func NewRecord() *Record {
	return &Record{
		Permissions:       []string{},
		Limits:            map[string]float64{},
		InterfaceAccess:   map[string]bool{},
		POSModules:        map[string]bool{},
		BackofficeModules: map[string]bool{},
		Version:           SchemaVersion,
	}
}

// Validate checks the structural invariants of the record.
// A record carrying a token must also carry a complete identity, and a
// record always carries a numeric expiration.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("no record")
	}
	if r.Token != "" {
		if r.User == nil {
			return errors.New("token without user")
		}
		if r.User.ID == "" || r.User.Name == "" {
			return errors.New("user without id or name")
		}
	}
	if r.ExpiresAt <= 0 {
		return errors.New("missing expiration")
	}
	return nil
}

// Migrate upgrades a record tagged with an older schema version by filling
// the missing fields from defaults. Records from a future schema cannot be
// downgraded and are rejected.
func (r *Record) Migrate() error {
	if r.Version > SchemaVersion {
		return errors.Errorf("unknown schema version %d", r.Version)
	}

	// v1 records predate the policy caps, v2 records predate the
	// revalidation stamp. Defaults keep them structurally complete.
	if r.Permissions == nil {
		r.Permissions = []string{}
	}
	if r.Limits == nil {
		r.Limits = map[string]float64{}
	}
	if r.InterfaceAccess == nil {
		r.InterfaceAccess = map[string]bool{}
	}
	if r.POSModules == nil {
		r.POSModules = map[string]bool{}
	}
	if r.BackofficeModules == nil {
		r.BackofficeModules = map[string]bool{}
	}
	if r.LastValidation == 0 {
		r.LastValidation = r.LoginAt
	}
	if r.LastActivity == 0 {
		r.LastActivity = r.LoginAt
	}
	r.Version = SchemaVersion

	return nil
}

// HasSession returns true if the record holds an authentication credential.
func (r *Record) HasSession() bool {
	return r != nil && r.Token != ""
}

// ExpiredAt returns true if the record is expired at the given time.
func (r *Record) ExpiredAt(t time.Time) bool {
	return r == nil || r.ExpiresAt <= 0 || t.UnixMilli() > r.ExpiresAt
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	clone := *r
	if r.User != nil {
		user := *r.User
		clone.User = &user
	}
	clone.Permissions = append([]string{}, r.Permissions...)
	clone.Limits = cloneMap(r.Limits)
	clone.InterfaceAccess = cloneMap(r.InterfaceAccess)
	clone.POSModules = cloneMap(r.POSModules)
	clone.BackofficeModules = cloneMap(r.BackofficeModules)
	return &clone
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	clone := make(map[string]V, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
