package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func fastConfig(retries int) *Config {
	return &Config{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	t.Parallel()

	calls := 0
	var retried []int
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, &Options{OnRetry: func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	}})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, retried)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_ZeroRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	_ = Do(context.Background(), fastConfig(0), func() error {
		calls++
		return errors.New("x")
	}, nil)
	assert.Equal(t, 1, calls)
}

func TestDo_NonRetryable(t *testing.T) {
	t.Parallel()

	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	}, &Options{ShouldRetry: func(err error) bool { return !errors.Is(err, permanent) }})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastConfig(3), func() error {
		calls++
		return nil
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 10*time.Millisecond, CalculateBackoff(0, 10*time.Millisecond, time.Second, 0))
	assert.Equal(t, 40*time.Millisecond, CalculateBackoff(2, 10*time.Millisecond, time.Second, 0))
	assert.Equal(t, 50*time.Millisecond, CalculateBackoff(10, 10*time.Millisecond, 50*time.Millisecond, 0.5))

	b := CalculateBackoff(1, 10*time.Millisecond, time.Second, 0.5)
	assert.GreaterOrEqual(t, b, 20*time.Millisecond)
	assert.LessOrEqual(t, b, 30*time.Millisecond)
}

func TestDo_CountsRetriesByOperation(t *testing.T) {
	counter := attemptsCounter().WithLabelValues("test_op")
	before := testutil.ToFloat64(counter)

	_ = Do(context.Background(), fastConfig(2), func() error {
		return errors.New("transient")
	}, &Options{Operation: "test_op"})

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}
