package store

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultPrefix namespaces rate limit counters.
const DefaultPrefix = "ratelimit:"

// Prometheus metrics for Redis store operations
var (
	redisStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "api_gateway",
			Name:      "ratelimit_store_operations_total",
			Help:      "Total number of Redis rate limit store operations",
		},
		[]string{"operation", "status"},
	)

	redisStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "api_gateway",
			Name:      "ratelimit_store_operation_duration_seconds",
			Help:      "Duration of Redis rate limit store operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"operation"},
	)
)

// hitScript increments a window counter and starts its expiry on the first
// hit. A key that somehow lost its TTL gets one again so it cannot pin a
// client forever.
// KEYS[1] = key
// ARGV[1] = delta
// ARGV[2] = window in milliseconds
// Returns {count, ttl_ms}.
var hitScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		ttl = tonumber(ARGV[2])
	end
	return {current, ttl}
`)

// decrementScript takes one hit back only from a live, positive counter.
var decrementScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		local current = tonumber(redis.call('GET', KEYS[1]))
		if current and current > 0 then
			return redis.call('DECR', KEYS[1])
		end
	end
	return 0
`)

// RedisStore implements Store on Redis with one Lua call per hit.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a store on a shared client. An empty prefix uses
// DefaultPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	redisStoreOperationsTotal.WithLabelValues(op, status).Inc()
	redisStoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	start := time.Now()

	res, err := hitScript.Run(ctx, s.client, []string{s.prefixKey(key)}, 1, window.Milliseconds()).Int64Slice()
	observe("hit", start, err)
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit hit script: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected hit script result: %v", res)
	}

	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Decrement implements Store.
func (s *RedisStore) Decrement(ctx context.Context, key string) error {
	start := time.Now()

	err := decrementScript.Run(ctx, s.client, []string{s.prefixKey(key)}).Err()
	observe("decrement", start, err)
	if err != nil {
		return fmt.Errorf("rate limit decrement script: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}
