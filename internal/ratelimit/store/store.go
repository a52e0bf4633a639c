// Package store provides storage backends for fixed-window rate limiting.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when no backend can serve a counter operation.
var ErrUnavailable = errors.New("rate limit store unavailable")

// Store defines the interface for rate limit storage.
type Store interface {
	// Hit atomically increments the counter for key, starting a window of the
	// given length if the key is new, and returns the new count together with
	// the time left in the window.
	Hit(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Decrement takes one hit back from a live window. A missing or expired
	// key is left untouched.
	Decrement(ctx context.Context, key string) error

	// Close closes the store and releases resources.
	Close() error
}
