// Package session attaches bearer tokens to outgoing API calls and
// coordinates token refresh when the API answers 401, so that any number of
// concurrent callers share a single refresh call.
package session

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrNetwork               = errors.New("session: network error")
	ErrAuthExpired           = errors.New("session: access token expired")
	ErrAuthExpiredAfterRetry = errors.New("session: unauthorized after token refresh")
	ErrSessionInvalid        = errors.New("session: session invalid")
	ErrRefreshRejected       = errors.New("session: refresh rejected")
	ErrCooldownBlocked       = errors.New("session: refresh attempts exhausted, cooling down")
	ErrNoRefreshToken        = errors.New("session: no refresh token stored")
	ErrWaitTimeout           = errors.New("session: timed out waiting for token refresh")

	ErrBadRequest  = errors.New("session: bad request")
	ErrForbidden   = errors.New("session: forbidden")
	ErrNotFound    = errors.New("session: not found")
	ErrConflict    = errors.New("session: conflict")
	ErrServerError = errors.New("session: server error")
)

// NetworkError means no HTTP response was received, or the stored tokens
// needed to replay the request could not be read.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("session: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}

// StatusError carries a non-success HTTP response and the sentinel it
// classifies to.
type StatusError struct {
	StatusCode int
	RequestID  string
	Body       []byte
	Err        error
}

func (e *StatusError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("session: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, string(e.Body))
	}

	return fmt.Sprintf("session: HTTP %d: %s", e.StatusCode, string(e.Body))
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// SessionError is the terminal error handed to the leader and every waiter
// of a failed refresh cycle. It always matches ErrSessionInvalid, plus
// Reason (ErrRefreshRejected or ErrCooldownBlocked) and the underlying cause.
type SessionError struct {
	Reason error
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Reason, e.Err)
	}

	return e.Reason.Error()
}

func (e *SessionError) Unwrap() []error {
	errs := []error{ErrSessionInvalid, e.Reason}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	return errs
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx and 3xx.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}
		if code >= http.StatusBadRequest {
			return fmt.Errorf("session: unexpected status %d", code)
		}

		return nil
	}
}
