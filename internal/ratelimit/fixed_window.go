package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/propgw/internal/ratelimit/store"
)

// FixedWindowLimiter implements the fixed window rate limiting algorithm.
// The first hit on a key starts a window; every hit inside it counts.
type FixedWindowLimiter struct {
	store  store.Store
	name   string
	limit  int
	window time.Duration
	logger *zap.Logger
}

// NewFixedWindowLimiter creates a new fixed window rate limiter. Counter
// keys are namespaced by name.
func NewFixedWindowLimiter(
	s store.Store, name string, limit int, window time.Duration, logger *zap.Logger,
) *FixedWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FixedWindowLimiter{
		store:  s,
		name:   name,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Name returns the limiter name.
func (l *FixedWindowLimiter) Name() string {
	return l.name
}

// Limit returns the request budget per window.
func (l *FixedWindowLimiter) Limit() int {
	return l.limit
}

// Window returns the window length.
func (l *FixedWindowLimiter) Window() time.Duration {
	return l.window
}

func (l *FixedWindowLimiter) counterKey(key string) string {
	return l.name + ":" + key
}

// Allow counts one request for key and reports whether it fits the budget.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	counterKey := l.counterKey(key)

	count, ttl, err := l.store.Hit(ctx, counterKey, l.window)
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", l.name, err)
	}

	if ttl <= 0 || ttl > l.window {
		ttl = l.window
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	res := &Result{
		Category:   l.name,
		Key:        counterKey,
		Allowed:    count <= int64(l.limit),
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: ttl,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		l.logger.Debug("rate limit exceeded",
			zap.String("limiter", l.name),
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", l.limit))
	}
	return res, nil
}

// Refund takes back the hit recorded by Allow.
func (l *FixedWindowLimiter) Refund(ctx context.Context, res *Result) error {
	if res == nil || res.Key == "" {
		return nil
	}
	return l.store.Decrement(ctx, res.Key)
}
