package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/propgw/internal/circuitbreaker"
)

// FailoverStore guards a primary store with a circuit breaker. When the
// primary fails or the circuit is open, calls go to the fallback store; with
// no fallback they fail with ErrUnavailable.
type FailoverStore struct {
	primary    Store
	fallback   Store
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
	onFallback func()

	degraded atomic.Bool
}

// FailoverOption configures a FailoverStore.
type FailoverOption func(*FailoverStore)

// WithFallback sets the store used while the primary is unavailable.
func WithFallback(fallback Store) FailoverOption {
	return func(s *FailoverStore) {
		s.fallback = fallback
	}
}

// WithFailoverLogger sets the logger.
func WithFailoverLogger(logger *zap.Logger) FailoverOption {
	return func(s *FailoverStore) {
		s.logger = logger
	}
}

// WithFallbackHook registers a callback invoked on every fallback use.
func WithFallbackHook(fn func()) FailoverOption {
	return func(s *FailoverStore) {
		s.onFallback = fn
	}
}

// NewFailoverStore creates a FailoverStore.
func NewFailoverStore(primary Store, breaker *circuitbreaker.CircuitBreaker, opts ...FailoverOption) *FailoverStore {
	s := &FailoverStore{
		primary: primary,
		breaker: breaker,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hit implements Store.
func (s *FailoverStore) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var (
		count int64
		ttl   time.Duration
	)
	err := s.breaker.Execute(func() error {
		var err error
		count, ttl, err = s.primary.Hit(ctx, key, window)
		return err
	})
	if err == nil {
		s.recovered()
		return count, ttl, nil
	}
	if errors.Is(err, context.Canceled) {
		return 0, 0, err
	}

	if s.fallback == nil {
		s.degrade(err, false)
		return 0, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.degrade(err, true)
	if s.onFallback != nil {
		s.onFallback()
	}
	return s.fallback.Hit(ctx, key, window)
}

// Decrement implements Store. While degraded, the refund goes to the
// fallback, which is where the matching hit was counted.
func (s *FailoverStore) Decrement(ctx context.Context, key string) error {
	if s.degraded.Load() && s.fallback != nil {
		return s.fallback.Decrement(ctx, key)
	}

	err := s.breaker.Execute(func() error {
		return s.primary.Decrement(ctx, key)
	})
	if err != nil && s.fallback != nil {
		return s.fallback.Decrement(ctx, key)
	}
	return err
}

// Degraded reports whether the last call could not use the primary store.
func (s *FailoverStore) Degraded() bool {
	return s.degraded.Load()
}

// Close closes both stores.
func (s *FailoverStore) Close() error {
	var errs []error
	if err := s.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.fallback != nil {
		if err := s.fallback.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *FailoverStore) degrade(err error, fallback bool) {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	if fallback {
		s.logger.Warn("rate limit store unavailable, using per-instance fallback counters",
			zap.Error(err))
		return
	}
	s.logger.Error("rate limit store unavailable, rejecting requests",
		zap.Error(err))
}

func (s *FailoverStore) recovered() {
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("rate limit store recovered")
	}
}
