package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/propgw/internal/retry"
)

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "propgw/cache"

const scanBatchSize = 200

// redisRetryConfig keeps retries short so a failing Redis degrades the
// cache quickly instead of stalling requests.
func redisRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:     1,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// isRetryableRedisError reports whether err is worth another attempt.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
	retry     *retry.Config
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix prefixes every key written by the store.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *zap.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// WithRetryConfig overrides the per-operation retry policy.
func WithRetryConfig(cfg *retry.Config) RedisOption {
	return func(s *RedisStore) {
		s.retry = cfg
	}
}

// NewRedisStore creates a Store on an existing client. The client is shared
// with other components and is not closed by Close.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		logger: zap.NewNop(),
		retry:  redisRetryConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span, func()) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	start := time.Now()
	done := func() {
		getStoreMetrics().operationDuration.WithLabelValues("redis", op).Observe(time.Since(start).Seconds())
		span.End()
	}
	return ctx, span, done
}

func (s *RedisStore) fail(span trace.Span, op, key string, err error) {
	getStoreMetrics().errorsTotal.WithLabelValues("redis", op).Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	s.logger.Warn("redis cache operation failed",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err))
}

func (s *RedisStore) do(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(ctx, s.retry, fn, &retry.Options{
		ShouldRetry: isRetryableRedisError,
		Operation:   "cache_" + op,
		OnRetry: func(attempt int, _ error, _ time.Duration) {
			s.logger.Debug("retrying redis cache operation",
				zap.String("operation", op),
				zap.String("key", key),
				zap.Int("attempt", attempt))
		},
	})
}

// Get retrieves a value.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span, done := s.startSpan(ctx, "get", key)
	defer done()

	var result []byte
	err := s.do(ctx, "get", key, func() error {
		val, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
		if err != nil {
			return err
		}
		result = val
		return nil
	})

	switch {
	case err == nil:
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return result, nil
	case errors.Is(err, redis.Nil):
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	default:
		s.fail(span, "get", key, err)
		return nil, err
	}
}

// Set stores a value with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span, done := s.startSpan(ctx, "set", key)
	defer done()
	span.SetAttributes(attribute.Int("cache.value_size", len(value)))

	err := s.do(ctx, "set", key, func() error {
		return s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err()
	})
	if err != nil {
		s.fail(span, "set", key, err)
		return err
	}
	return nil
}

// Delete removes a value.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, span, done := s.startSpan(ctx, "delete", key)
	defer done()

	err := s.do(ctx, "delete", key, func() error {
		return s.client.Del(ctx, s.keyPrefix+key).Err()
	})
	if err != nil {
		s.fail(span, "delete", key, err)
		return err
	}
	return nil
}

// DeletePattern walks the keyspace with SCAN MATCH and deletes the matches
// batch by batch. KEYS is avoided so large keyspaces do not block Redis.
func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	ctx, span, done := s.startSpan(ctx, "delete_pattern", pattern)
	defer done()

	deleted := 0
	var cursor uint64
	for {
		var keys []string
		err := s.do(ctx, "scan", pattern, func() error {
			var err error
			keys, cursor, err = s.client.Scan(ctx, cursor, s.keyPrefix+pattern, scanBatchSize).Result()
			return err
		})
		if err != nil {
			s.fail(span, "delete_pattern", pattern, err)
			return deleted, err
		}

		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				s.fail(span, "delete_pattern", pattern, err)
				return deleted, err
			}
			deleted += int(n)
		}

		if cursor == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("cache.deleted", deleted))
	return deleted, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}
