package libcaissa

import (
	"encoding/json"
	"io"
)

// An APIError represents an HTTP error returned by the caissa backend.
type APIError struct {
	StatusCode int
	Err        struct {
		Message string `json:"message"`
	} `json:"error"`
}

func parseAPIError(r io.Reader, code int) error {
	var apierr APIError
	dec := json.NewDecoder(r)
	if err := dec.Decode(&apierr); err != nil {
		apierr.Err.Message = "unreadable error payload"
	}
	apierr.StatusCode = code
	return &apierr
}

func (e *APIError) Error() string {
	return e.Err.Message
}

// HTTPStatus returns the HTTP status code carried by the error.
// It is the hook used by the resilient executor to classify failures.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}
