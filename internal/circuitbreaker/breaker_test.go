package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := New("test-open", Config{MaxFailures: 3, Timeout: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("test-open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitBreakerRejectedTotal.WithLabelValues("test-open")))
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	t.Parallel()

	cb := New("test-streak", Config{MaxFailures: 2, Timeout: time.Hour}, nil)

	_ = cb.Execute(func() error { return errBoom })
	require.NoError(t, cb.Execute(func() error { return nil }))
	_ = cb.Execute(func() error { return errBoom })

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	t.Parallel()

	cb := New("test-recover", Config{MaxFailures: 1, Timeout: 20 * time.Millisecond}, nil)

	_ = cb.Execute(func() error { return errBoom })
	require.Equal(t, StateOpen, cb.State())

	assert.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IsSuccessful(t *testing.T) {
	t.Parallel()

	notFound := errors.New("not found")
	cb := New("test-ignore", Config{
		MaxFailures:  1,
		Timeout:      time.Hour,
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, notFound) },
	}, nil)

	assert.ErrorIs(t, cb.Execute(func() error { return notFound }), notFound)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IgnoresCanceledByDefault(t *testing.T) {
	t.Parallel()

	cb := New("test-canceled", Config{MaxFailures: 2, Timeout: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		err := cb.Execute(func() error { return fmt.Errorf("redis get: %w", ctx.Err()) })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return context.DeadlineExceeded })
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestIgnoreCanceled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: true},
		{name: "canceled", err: context.Canceled, want: true},
		{name: "wrapped canceled", err: fmt.Errorf("lookup: %w", context.Canceled), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "store error", err: errBoom, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IgnoreCanceled(tt.err))
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Interval: -time.Second}.withDefaults()
	assert.Equal(t, 5, cfg.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 1, cfg.HalfOpenMax)
	assert.Zero(t, cfg.Interval)
	require.NotNil(t, cfg.IsSuccessful)

	cb := New("named", DefaultConfig(), nil)
	assert.Equal(t, "named", cb.Name())
}
