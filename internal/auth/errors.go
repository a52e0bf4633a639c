package auth

import (
	"errors"
	"net/http"
)

// ErrStoreUnavailable indicates that the session store could not be
// consulted. Requests are rejected rather than let through unchecked.
var ErrStoreUnavailable = errors.New("session store unavailable")

// Reason classifies an authentication or authorization failure.
type Reason string

// Authentication failures (401).
const (
	ReasonNoToken          Reason = "no_token"
	ReasonMalformed        Reason = "malformed"
	ReasonSignatureInvalid Reason = "invalid_signature"
	ReasonExpired          Reason = "expired"
	ReasonRevoked          Reason = "revoked"
	ReasonSessionNotFound  Reason = "session_not_found"
	ReasonSessionMismatch  Reason = "session_mismatch"
	ReasonAccountNotActive Reason = "account_inactive"
)

// Authorization failures (403).
const (
	ReasonInsufficientRole Reason = "insufficient_role"
	ReasonEmailNotVerified Reason = "email_not_verified"
	ReasonMFARequired      Reason = "mfa_required"
)

var reasonMessages = map[Reason]string{
	ReasonNoToken:          "Access token is required",
	ReasonMalformed:        "Invalid token",
	ReasonSignatureInvalid: "Invalid token",
	ReasonExpired:          "Token has expired",
	ReasonRevoked:          "Token has been revoked",
	ReasonSessionNotFound:  "Session not found",
	ReasonSessionMismatch:  "Session is no longer valid",
	ReasonAccountNotActive: "Account is not active",
	ReasonInsufficientRole: "Insufficient permissions",
	ReasonEmailNotVerified: "Please verify your email address before accessing this resource",
	ReasonMFARequired:      "Multi-factor authentication is required for this operation",
}

// Error is a typed authentication or authorization failure.
type Error struct {
	Reason Reason
	Err    error
}

func newError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	msg := string(e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns the client-facing message.
func (e *Error) Message() string {
	if m, ok := reasonMessages[e.Reason]; ok {
		return m
	}
	return "Unauthorized"
}

// Forbidden reports whether the failure is an authorization (403) failure.
func (e *Error) Forbidden() bool {
	switch e.Reason {
	case ReasonInsufficientRole, ReasonEmailNotVerified, ReasonMFARequired:
		return true
	default:
		return false
	}
}

// Status returns the HTTP status for the failure.
func (e *Error) Status() int {
	if e.Forbidden() {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// ReasonOf extracts the failure reason of err, or "" if err is not an *Error.
func ReasonOf(err error) Reason {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}
