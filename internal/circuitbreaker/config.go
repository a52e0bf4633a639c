// Package circuitbreaker guards calls to shared backing stores so a failing
// dependency is short-circuited instead of stalling every request.
package circuitbreaker

import (
	"context"
	"errors"
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	Timeout time.Duration

	// HalfOpenMax is the maximum number of requests allowed in half-open state.
	HalfOpenMax int

	// Interval clears the closed-state counters periodically. Zero never clears.
	Interval time.Duration

	// IsSuccessful decides whether an error counts against the breaker.
	// If nil, IgnoreCanceled is used.
	IsSuccessful func(err error) bool
}

// IgnoreCanceled treats nil and context.Canceled as success.
func IgnoreCanceled(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax:  1,
		IsSuccessful: IgnoreCanceled,
	}
}

// withDefaults replaces out-of-range values with defaults.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxFailures < 1 {
		c.MaxFailures = def.MaxFailures
	}
	if c.Timeout < time.Millisecond {
		c.Timeout = def.Timeout
	}
	if c.HalfOpenMax < 1 {
		c.HalfOpenMax = def.HalfOpenMax
	}
	if c.Interval < 0 {
		c.Interval = 0
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = IgnoreCanceled
	}
	return c
}
