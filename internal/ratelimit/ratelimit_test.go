package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/propgw/internal/observability"
	"github.com/vyrodovalexey/propgw/internal/ratelimit/store"
)

func redisBackedStore(t *testing.T) (*miniredis.Miniredis, store.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, store.NewRedisStore(client, "", nil)
}

func TestFixedWindowLimiter_FivePerMinute(t *testing.T) {
	t.Parallel()

	mr, s := redisBackedStore(t)
	l := NewFixedWindowLimiter(s, "test", 5, 60*time.Second, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := l.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 5-i, res.Remaining)
	}

	mr.FastForward(10 * time.Second)

	res, err := l.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.LessOrEqual(t, res.RetryAfterSeconds(), 60)
	assert.GreaterOrEqual(t, res.RetryAfterSeconds(), 1)
	assert.Equal(t, 50, res.RetryAfterSeconds())

	other, err := l.Allow(ctx, "ip:10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	mr.FastForward(51 * time.Second)
	res, err = l.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "new window")
}

func TestResult_ApplyHeaders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		res       Result
		wantRetry string
	}{
		{
			name:      "allowed has no retry-after",
			res:       Result{Allowed: true, Limit: 10, Remaining: 3, ResetAfter: 1500 * time.Millisecond},
			wantRetry: "",
		},
		{
			name:      "rejected rounds up",
			res:       Result{Allowed: false, Limit: 10, ResetAfter: 1200 * time.Millisecond, RetryAfter: 1200 * time.Millisecond},
			wantRetry: "2",
		},
		{
			name:      "rejected never below one",
			res:       Result{Allowed: false, Limit: 10, RetryAfter: 0},
			wantRetry: "1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			tt.res.ApplyHeaders(h)
			assert.Equal(t, strconv.Itoa(tt.res.Limit), h.Get(HeaderLimit))
			assert.Equal(t, strconv.Itoa(tt.res.Remaining), h.Get(HeaderRemaining))
			assert.Equal(t, tt.wantRetry, h.Get(HeaderRetryAfter))
		})
	}
}

func TestSubject_Key(t *testing.T) {
	t.Parallel()

	user := Subject{UserID: "u1", ClientIP: "1.1.1.1"}
	anon := Subject{ClientIP: "2.2.2.2"}

	assert.Equal(t, "user:u1", user.Key(KeyByIdentity))
	assert.Equal(t, "ip:1.1.1.1", user.Key(KeyByIP))
	assert.Equal(t, "ip:2.2.2.2", anon.Key(KeyByIdentity))
	assert.Equal(t, "ip:unknown", Subject{}.Key(KeyByIdentity))
	assert.True(t, user.Authenticated())
	assert.False(t, anon.Authenticated())
}

func TestParseKeyBy(t *testing.T) {
	t.Parallel()

	k, err := ParseKeyBy("")
	require.NoError(t, err)
	assert.Equal(t, KeyByIdentity, k)

	k, err = ParseKeyBy("ip")
	require.NoError(t, err)
	assert.Equal(t, KeyByIP, k)

	_, err = ParseKeyBy("session")
	assert.Error(t, err)
}

func TestManager_Categories(t *testing.T) {
	t.Parallel()

	_, s := redisBackedStore(t)
	metrics := observability.NewMetrics("test")
	m, err := NewManager(s, DefaultCategories(), WithMetrics(metrics))
	require.NoError(t, err)

	assert.Equal(t, []string{"auth", "crud", "global", "upload"}, m.Categories())
	assert.True(t, m.SkipSuccessful(CategoryAuth))
	assert.False(t, m.SkipSuccessful(CategoryCRUD))
	assert.True(t, m.Has(CategoryUpload))

	_, err = m.Allow(context.Background(), "nope", Subject{})
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestManager_AuthLimitIsPerIP(t *testing.T) {
	t.Parallel()

	mr, s := redisBackedStore(t)
	metrics := observability.NewMetrics("test")
	m, err := NewManager(s, []Category{
		{Name: CategoryAuth, Limit: 2, Window: time.Minute, KeyBy: KeyByIP, SkipSuccessful: true},
	}, WithMetrics(metrics))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := m.Allow(ctx, CategoryAuth, Subject{UserID: "a", ClientIP: "9.9.9.9"})
	require.NoError(t, err)
	assert.Equal(t, "auth:ip:9.9.9.9", first.Key)
	assert.True(t, mr.Exists("ratelimit:auth:ip:9.9.9.9"))

	_, err = m.Allow(ctx, CategoryAuth, Subject{UserID: "b", ClientIP: "9.9.9.9"})
	require.NoError(t, err)

	denied, err := m.Allow(ctx, CategoryAuth, Subject{ClientIP: "9.9.9.9"})
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	count, err := testutil.GatherAndCount(metrics.Registry(), "test_rate_limit_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_RefundSkipsSuccessful(t *testing.T) {
	t.Parallel()

	_, s := redisBackedStore(t)
	m, err := NewManager(s, []Category{
		{Name: CategoryAuth, Limit: 2, Window: time.Minute, KeyBy: KeyByIP, SkipSuccessful: true},
	})
	require.NoError(t, err)
	ctx := context.Background()
	subj := Subject{ClientIP: "8.8.8.8"}

	for i := 0; i < 10; i++ {
		res, err := m.Allow(ctx, CategoryAuth, subj)
		require.NoError(t, err)
		require.True(t, res.Allowed, "successful logins are refunded")
		require.NoError(t, m.Refund(ctx, res))
	}

	for i := 0; i < 2; i++ {
		res, err := m.Allow(ctx, CategoryAuth, subj)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := m.Allow(ctx, CategoryAuth, subj)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "failed attempts are kept")
}

func TestManager_UnavailableStore(t *testing.T) {
	t.Parallel()

	mr, s := redisBackedStore(t)
	m, err := NewManager(s, DefaultCategories())
	require.NoError(t, err)

	mr.SetError("ERR injected failure")
	_, err = m.Allow(context.Background(), CategoryGlobal, Subject{ClientIP: "1.1.1.1"})
	assert.Error(t, err)
}

func TestNewManager_Invalid(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	tests := []struct {
		name string
		cats []Category
	}{
		{"empty name", []Category{{Limit: 1, Window: time.Second}}},
		{"zero limit", []Category{{Name: "a", Window: time.Second}}},
		{"zero window", []Category{{Name: "a", Limit: 1}}},
		{"bad key", []Category{{Name: "a", Limit: 1, Window: time.Second, KeyBy: "cookie"}}},
		{"duplicate", []Category{
			{Name: "a", Limit: 1, Window: time.Second},
			{Name: "a", Limit: 2, Window: time.Second},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(s, tt.cats)
			assert.Error(t, err)
		})
	}
}

func TestResult_Tighter(t *testing.T) {
	t.Parallel()

	a := &Result{Remaining: 3}
	b := &Result{Remaining: 7}
	assert.True(t, a.Tighter(b))
	assert.False(t, b.Tighter(a))
	assert.True(t, a.Tighter(nil))
}
