package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_Expiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore(WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("a"), time.Second))
	require.NoError(t, s.Set(ctx, "forever", []byte("b"), 0))

	v, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)

	clock.Advance(time.Second)

	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)

	v, err = s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), v)

	s.sweep()
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in, 0))
	in[0] = 'X'

	out, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	out[1] = 'Y'
	again, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStore_DeletePattern(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore(WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	for _, k := range []string{"cache:v1:a", "cache:v1:b", "other:a"} {
		require.NoError(t, s.Set(ctx, k, []byte("x"), time.Minute))
	}
	require.NoError(t, s.Set(ctx, "cache:v1:stale", []byte("x"), time.Second))
	clock.Advance(2 * time.Second)

	n, err := s.DeletePattern(ctx, "cache:v1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "expired keys are removed but not counted")
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(ctx, "other:a"))
	assert.Zero(t, s.Len())
	assert.NoError(t, s.Ping(ctx))
}

func TestMatchGlob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"*", "", true},
		{"*", "anything/at:all", true},
		{"cache:v1:*", "cache:v1:GET:_x", true},
		{"cache:v1:*", "cache:v2:GET", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"*:user:1:*", "cache:v1:GET:_p:user:1:", true},
		{"*:user:1:*", "cache:v1:GET:_p:user:11:", false},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.s, func(t *testing.T) {
			assert.Equal(t, tt.want, matchGlob(tt.pattern, tt.s))
		})
	}
}
