// Package ratelimit provides fixed-window request limiting keyed by caller
// identity, with counters shared across gateway instances through Redis.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// Response header names.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Result represents the result of a rate limit check.
type Result struct {
	// Category is the limiter that produced the result.
	Category string

	// Key is the counter key, used to refund the hit.
	Key string

	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the duration until the window resets.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

// ceilSeconds rounds d up to whole seconds, never below one.
func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// RetryAfterSeconds returns the Retry-After value in whole seconds.
func (r *Result) RetryAfterSeconds() int {
	return ceilSeconds(r.RetryAfter)
}

// ApplyHeaders writes the X-RateLimit-* headers, plus Retry-After when the
// request was rejected.
func (r *Result) ApplyHeaders(h http.Header) {
	h.Set(HeaderLimit, strconv.Itoa(r.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(r.Remaining))
	h.Set(HeaderReset, strconv.Itoa(ceilSeconds(r.ResetAfter)))
	if !r.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(r.RetryAfterSeconds()))
	}
}

// Tighter reports whether r leaves less headroom than other.
func (r *Result) Tighter(other *Result) bool {
	if other == nil {
		return true
	}
	return r.Remaining < other.Remaining
}
