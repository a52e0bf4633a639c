package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HeaderMFAVerified carries the time the client completed MFA, as RFC 3339
// or unix seconds.
const HeaderMFAVerified = "X-MFA-Verified"

// DefaultMFAWindow is how long an MFA completion stays fresh.
const DefaultMFAWindow = 30 * time.Minute

// mfaFutureTolerance absorbs client clock drift on the MFA timestamp.
const mfaFutureTolerance = time.Minute

// Requirement is an authorization check run after authentication.
type Requirement func(id *Identity, h http.Header) error

// RequireRole admits identities holding one of roles.
func RequireRole(roles ...string) Requirement {
	return func(id *Identity, _ http.Header) error {
		if id == nil {
			return newError(ReasonNoToken, nil)
		}
		if !id.HasRole(roles...) {
			return newError(ReasonInsufficientRole, nil)
		}
		return nil
	}
}

// RequireEmailVerified admits identities with a verified email.
func RequireEmailVerified() Requirement {
	return func(id *Identity, _ http.Header) error {
		if id == nil {
			return newError(ReasonNoToken, nil)
		}
		if !id.EmailVerified {
			return newError(ReasonEmailNotVerified, nil)
		}
		return nil
	}
}

// RequireMFAFresh admits identities with MFA enabled whose request carries
// an MFA completion time within window of now and not before the token
// was issued.
func RequireMFAFresh(window time.Duration, now func() time.Time) Requirement {
	if window <= 0 {
		window = DefaultMFAWindow
	}
	if now == nil {
		now = time.Now
	}
	return func(id *Identity, h http.Header) error {
		if id == nil {
			return newError(ReasonNoToken, nil)
		}
		if !id.MFAEnabled {
			return newError(ReasonMFARequired, errors.New("mfa not enabled"))
		}

		verifiedAt, err := ParseMFATime(h.Get(HeaderMFAVerified))
		if err != nil {
			return newError(ReasonMFARequired, err)
		}

		current := now()
		switch {
		case verifiedAt.After(current.Add(mfaFutureTolerance)):
			return newError(ReasonMFARequired, errors.New("mfa time is in the future"))
		case current.Sub(verifiedAt) > window:
			return newError(ReasonMFARequired, errors.New("mfa verification is stale"))
		case !id.IssuedAt.IsZero() && verifiedAt.Before(id.IssuedAt.Truncate(time.Second)):
			return newError(ReasonMFARequired, errors.New("mfa verification predates the token"))
		}
		return nil
	}
}

// ParseMFATime parses an X-MFA-Verified value.
func ParseMFATime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("missing " + HeaderMFAVerified)
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("invalid " + HeaderMFAVerified)
	}
	return t, nil
}
