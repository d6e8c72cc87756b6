package session

import (
	"context"
	"net/http"

	"github.com/caissapos/caissa/internal/model"
	"github.com/caissapos/caissa/pkg/libcaissa"
	"github.com/caissapos/caissa/pkg/resilient"
)

// A Reason classifies a failed validation.
type Reason string

const (
	ReasonNoToken       Reason = "no_token"
	ReasonTokenExpired  Reason = "token_expired"
	ReasonTokenRevoked  Reason = "token_revoked"
	ReasonNetworkError  Reason = "network_error"
	ReasonServerError   Reason = "server_error"
	ReasonClientExpired Reason = "client_expired"
)

// A ValidationResult is the outcome of Validate.
type ValidationResult struct {
	OK      bool
	Reason  Reason
	Payload *libcaissa.CheckPayload
	Err     error
}

// Terminal returns true when the failure means the credential is dead and
// the session cannot continue.
func (r ValidationResult) Terminal() bool {
	switch r.Reason {
	case ReasonTokenExpired, ReasonTokenRevoked, ReasonClientExpired:
		return true
	}
	return false
}

// Validate checks the session against the server and refreshes the record's
// authorization snapshot from the response. An authorization rejection clears
// the session; a network or server failure keeps it, within the offline grace
// period. Concurrent calls collapse into one request.
func (o *Orchestrator) Validate(ctx context.Context) ValidationResult {
	token := o.store.GetToken()
	if token == "" {
		return ValidationResult{Reason: ReasonNoToken}
	}
	if o.store.IsExpired() {
		return ValidationResult{Reason: ReasonClientExpired}
	}

	// Every exit path below restores or degrades the state from VALIDATING.
	o.compareAndSetState(StateActive, StateValidating)

	o.client.SetBearerToken(token)
	value, err := o.executor.Execute(ctx, func(ctx context.Context) (any, error) {
		return o.client.CheckSession(ctx)
	}, resilient.Options{DedupeKey: "validate"})

	if err != nil {
		return o.validationFailed(err)
	}

	payload, ok := value.(*libcaissa.CheckPayload)
	if !ok || !payload.Defined() {
		return o.validationFailed(errMalformedPayload)
	}

	now := libcaissa.UnixMillisecond(o.now())
	o.store.Update(func(r *model.Record) {
		applyPayload(r, payload)
		r.LastValidation = now
	})

	o.compareAndSetState(StateValidating, StateActive)
	return ValidationResult{OK: true, Payload: payload}
}

// validationFailed maps an executor error onto the failure taxonomy and
// performs the matching state transition.
func (o *Orchestrator) validationFailed(err error) ValidationResult {
	result := ValidationResult{Err: err}

	switch status := resilient.StatusCode(err); {
	case status == http.StatusUnauthorized:
		result.Reason = ReasonTokenExpired
	case status == http.StatusForbidden:
		result.Reason = ReasonTokenRevoked
	case status >= http.StatusInternalServerError:
		result.Reason = ReasonServerError
	case status > 0:
		result.Reason = ReasonServerError
	default:
		result.Reason = ReasonNetworkError
	}

	if result.Terminal() {
		o.invalidate(result)
		return result
	}

	// Optimistic continuation: connectivity issues never force a logout on
	// their own, until the session runs unvalidated past the grace period.
	o.emit(EventNetworkError, NetworkError{Err: err})
	if o.pastOfflineGrace() {
		o.logger.Warn("offline grace period exceeded, forcing re-authentication")
		result.Reason = ReasonTokenExpired
		o.invalidate(result)
		return result
	}

	o.compareAndSetState(StateValidating, StateActive)
	return result
}

// invalidate tears the session down after an authorization rejection.
func (o *Orchestrator) invalidate(result ValidationResult) {
	o.logger.WithField("reason", result.Reason).Info("session rejected")

	o.store.Clear()
	o.setState(StateInvalid)
	o.emit(EventValidationFailed, ValidationFailed{Reason: result.Reason, Err: result.Err})
	o.emit(EventCleared, Cleared{Reason: string(result.Reason)})
	o.coordinator.BroadcastLogout(string(result.Reason))
}

// pastOfflineGrace returns true when the last successful server validation
// is too old to keep trusting the cached authorization snapshot.
func (o *Orchestrator) pastOfflineGrace() bool {
	record := o.store.Get()
	if record == nil || record.LastValidation <= 0 {
		return false
	}
	age := o.now().Sub(libcaissa.FromUnixMillisecond(record.LastValidation))
	return age > o.conf.OfflineGrace
}

// applyPayload refreshes the authorization snapshot of the record from a
// fresh server response. The token is kept unless the server rotated it.
func applyPayload(r *model.Record, payload *libcaissa.CheckPayload) {
	if payload.Token != "" {
		r.Token = payload.Token
	}
	r.User = &model.Operator{
		ID:   payload.User.ID,
		Name: payload.User.Name,
		Role: payload.User.Role,
	}
	r.Permissions = append([]string{}, payload.Permissions...)
	r.Limits = payload.Limits
	r.InterfaceAccess = payload.InterfaceAccess
	r.POSModules = payload.POSModules
	r.BackofficeModules = payload.BackofficeModules
}
