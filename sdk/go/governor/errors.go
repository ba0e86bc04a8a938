// Package governor provides a Go client for the amendment governance API.
package governor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the governance API with the HTTP status
// code and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string

	// Details carries structured context, such as the list of safety
	// violations on a SAFETY_VIOLATION error.
	Details json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("governor: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// IsConflict returns true if the error is a 409: the amendment is no longer
// pending, is held by an escalation, or duplicates an active trigger.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsSafetyViolation returns true if the error is a 422 raised when safety
// checks block a recommendation.
func IsSafetyViolation(err error) bool { return hasStatus(err, http.StatusUnprocessableEntity) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }
