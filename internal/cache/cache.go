// Package cache provides the response cache used by the gateway pipeline.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrDisabled indicates that caching is turned off.
	ErrDisabled = errors.New("cache disabled")
)

// Store is a byte-oriented key/value store with per-key expiry.
type Store interface {
	// Get retrieves a value. Returns ErrCacheMiss if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A TTL of 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching a glob pattern (`*`, `?`)
	// and returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
