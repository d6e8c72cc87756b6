package resilient

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// A Code classifies an executor failure.
type Code string

// Possible failure codes.
const (
	CodeOffline     Code = "offline"
	CodeTimeout     Code = "timeout"
	CodeAborted     Code = "aborted"
	CodeCircuitOpen Code = "circuit_open"
	CodeHTTP        Code = "http"
	CodeNetwork     Code = "network"
	CodeUnknown     Code = "unknown"
)

// HTTP statuses worth retrying.
var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

type (
	// An Error is the uniform failure shape raised by the Executor once the
	// retry budget is exhausted or the call is rejected upfront.
	Error struct {
		Code       Code
		Status     int           // HTTP status, when Code is CodeHTTP
		Retryable  bool          // whether the terminal failure was of a retryable kind
		RetryAfter time.Duration // hint, when Code is CodeCircuitOpen
		cause      error
	}

	// statusser is implemented by transport errors carrying an HTTP status,
	// e.g. libcaissa.APIError. The executor never imports the transport
	// package; the raw error is classified through this hook.
	statusser interface {
		HTTPStatus() int
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.cause.Error())
	}
	return string(e.Code)
}

// Cause returns the underlying error. pkg/errors compatibility.
func (e *Error) Cause() error {
	return e.cause
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// IsCode returns true if err is an executor Error with the given code.
func IsCode(err error, code Code) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code == code
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var rerr *Error
	if errors.As(err, &rerr) && rerr.Status != 0 {
		return rerr.Status
	}
	var serr statusser
	if errors.As(err, &serr) {
		return serr.HTTPStatus()
	}
	return 0
}

// classify maps a raw operation error onto a closed code set and decides
// whether another attempt is worthwhile. Unknown errors default to retryable.
func classify(err error) (code Code, status int, retryable bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code, rerr.Status, rerr.Retryable
	}

	if errors.Is(err, context.Canceled) {
		return CodeAborted, 0, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, 0, true
	}

	var serr statusser
	if errors.As(err, &serr) {
		status = serr.HTTPStatus()
		return CodeHTTP, status, retryableStatuses[status]
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return CodeTimeout, 0, true
		}
		return CodeNetwork, 0, true
	}

	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "timeout"), strings.Contains(message, "timed out"):
		return CodeTimeout, 0, true
	case strings.Contains(message, "network"),
		strings.Contains(message, "connection refused"),
		strings.Contains(message, "connection reset"),
		strings.Contains(message, "no such host"),
		strings.Contains(message, "unreachable"):
		return CodeNetwork, 0, true
	}

	return CodeUnknown, 0, true
}
