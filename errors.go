package auth

import (
	"errors"
	"net/http"
	"time"
)

// Error codes used across the authentication core.
const (
	CodeConfigurationError   = "configuration_error"
	CodeDiscoveryUnavailable = "discovery_unavailable"
	CodeDiscoveryMalformed   = "discovery_malformed"
	CodeInvalidState         = "invalid_state"
	CodeRateLimited          = "rate_limited"
	CodeAuthenticationFailed = "authentication_failed"
	CodeNoAccountFound       = "no_account_found"
)

// Error is the structured error type surfaced by the authentication core.
// Code is a stable machine-readable identifier, Status is the HTTP status
// class the error maps to when it crosses the HTTP boundary.
type Error struct {
	Code        string        // stable error code (e.g. "invalid_state")
	Description string        // human-readable description, never contains secrets
	Status      int           // HTTP status code
	RetryAfter  time.Duration // populated for rate_limited errors
	ResetAt     time.Time     // when the rate-limit window resets (rate_limited only)
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// NewError creates a new structured error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common errors as reusable constructors
var (
	// ErrConfiguration indicates required configuration is missing or invalid
	ErrConfiguration = func(desc string) *Error {
		return NewError(CodeConfigurationError, desc, http.StatusInternalServerError)
	}

	// ErrDiscoveryUnavailable indicates the authorization server metadata could not be fetched
	ErrDiscoveryUnavailable = func(desc string) *Error {
		return NewError(CodeDiscoveryUnavailable, desc, http.StatusBadGateway)
	}

	// ErrDiscoveryMalformed indicates the metadata document is missing required endpoints
	ErrDiscoveryMalformed = func(desc string) *Error {
		return NewError(CodeDiscoveryMalformed, desc, http.StatusBadGateway)
	}

	// ErrInvalidState indicates the callback state is unknown, consumed, or expired.
	// Replay and expiry are intentionally indistinguishable to the caller.
	ErrInvalidState = func(desc string) *Error {
		return NewError(CodeInvalidState, desc, http.StatusBadRequest)
	}

	// ErrAuthenticationFailed indicates a token exchange or refresh was rejected
	ErrAuthenticationFailed = func(desc string) *Error {
		return NewError(CodeAuthenticationFailed, desc, http.StatusUnauthorized)
	}

	// ErrNoAccountFound indicates the mail server reported no accounts for the identity
	ErrNoAccountFound = func(desc string) *Error {
		return NewError(CodeNoAccountFound, desc, http.StatusUnauthorized)
	}
)

// ErrRateLimited creates a rate-limit error carrying retry metadata
func ErrRateLimited(retryAfter time.Duration, resetAt time.Time) *Error {
	return &Error{
		Code:        CodeRateLimited,
		Description: "too many requests",
		Status:      http.StatusTooManyRequests,
		RetryAfter:  retryAfter,
		ResetAt:     resetAt,
	}
}

// AsError unwraps err into an *Error if one is present in its chain
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err carries the given error code
func IsCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}
