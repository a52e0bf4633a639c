package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/propgw/internal/observability"
)

// Category selects the TTL for a cached route.
type Category string

// TTL categories.
const (
	CategoryGeneric   Category = "generic"
	CategoryUser      Category = "user"
	CategorySearch    Category = "search"
	CategoryAnalytics Category = "analytics"
	CategoryHealth    Category = "health"
)

// ParseCategory parses a TTL category name. Empty means generic.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case "":
		return CategoryGeneric, nil
	case CategoryGeneric, CategoryUser, CategorySearch, CategoryAnalytics, CategoryHealth:
		return c, nil
	default:
		return "", fmt.Errorf("unknown cache category %q", s)
	}
}

// Default TTLs and intervals.
const (
	DefaultGenericTTL     = 300 * time.Second
	DefaultUserTTL        = 600 * time.Second
	DefaultSearchTTL      = 180 * time.Second
	DefaultAnalyticsTTL   = 900 * time.Second
	DefaultHealthTTL      = 30 * time.Second
	DefaultHealthInterval = 10 * time.Second

	pingTimeout = 2 * time.Second
)

// Response header names set by the gateway.
const (
	HeaderCache        = "X-Cache"
	HeaderCacheAge     = "X-Cache-Age"
	HeaderCacheRefresh = "X-Cache-Refresh"
)

// skipPaths are never cached, matched by prefix.
var skipPaths = []string{"/health", "/metrics", "/api/v1/info"}

// TTLConfig holds one TTL per category.
type TTLConfig struct {
	Generic   time.Duration
	User      time.Duration
	Search    time.Duration
	Analytics time.Duration
	Health    time.Duration
}

// DefaultTTLConfig returns the default TTLs.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Generic:   DefaultGenericTTL,
		User:      DefaultUserTTL,
		Search:    DefaultSearchTTL,
		Analytics: DefaultAnalyticsTTL,
		Health:    DefaultHealthTTL,
	}
}

// For returns the TTL of a category. Unknown categories use Generic.
func (t TTLConfig) For(c Category) time.Duration {
	switch c {
	case CategoryUser:
		return t.User
	case CategorySearch:
		return t.Search
	case CategoryAnalytics:
		return t.Analytics
	case CategoryHealth:
		return t.Health
	default:
		return t.Generic
	}
}

// Config configures the Layer.
type Config struct {
	Enabled        bool
	TTL            TTLConfig
	HealthInterval time.Duration
}

// Layer implements response caching on top of a Store. Every store error is
// absorbed: the layer marks itself unhealthy and callers bypass it until a
// background ping succeeds again.
type Layer struct {
	store   Store
	config  Config
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	healthy atomic.Bool

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option configures the Layer.
type Option func(*Layer)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Layer) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(l *Layer) {
		l.metrics = metrics
	}
}

// WithNow overrides the time source used for entry ages.
func WithNow(now func() time.Time) Option {
	return func(l *Layer) {
		l.now = now
	}
}

// NewLayer creates a Layer. Zero TTLs fall back to their defaults.
func NewLayer(store Store, cfg Config, opts ...Option) *Layer {
	def := DefaultTTLConfig()
	if cfg.TTL.Generic <= 0 {
		cfg.TTL.Generic = def.Generic
	}
	if cfg.TTL.User <= 0 {
		cfg.TTL.User = def.User
	}
	if cfg.TTL.Search <= 0 {
		cfg.TTL.Search = def.Search
	}
	if cfg.TTL.Analytics <= 0 {
		cfg.TTL.Analytics = def.Analytics
	}
	if cfg.TTL.Health <= 0 {
		cfg.TTL.Health = def.Health
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}

	l := &Layer{
		store:  store,
		config: cfg,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.healthy.Store(store != nil)
	return l
}

// Enabled reports whether caching is configured on.
func (l *Layer) Enabled() bool {
	return l != nil && l.config.Enabled && l.store != nil
}

// Healthy reports whether the layer is enabled and its store is usable.
func (l *Layer) Healthy() bool {
	return l.Enabled() && l.healthy.Load()
}

// TTL returns the TTL of a category.
func (l *Layer) TTL(c Category) time.Duration {
	return l.config.TTL.For(c)
}

// Eligible reports whether a request may be served from or stored in cache.
func (l *Layer) Eligible(method, path string) bool {
	if method != http.MethodGet {
		return false
	}
	for _, p := range skipPaths {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	return true
}

// Key derives the cache key for a request. userID is empty for anonymous
// callers. Accept-Language is folded in when present.
func (l *Layer) Key(method, path, userID string, query url.Values, header http.Header) string {
	return BuildKey(method, path, userID, query, header.Get("Accept-Language"))
}

// ForceRefresh reports whether the client asked to bypass a stored entry.
func ForceRefresh(header http.Header) bool {
	return strings.EqualFold(header.Get(HeaderCacheRefresh), "true")
}

// Lookup returns the stored entry for key. Store errors and undecodable
// entries are reported as a miss.
func (l *Layer) Lookup(ctx context.Context, key string, category Category) (*Entry, bool) {
	if !l.Healthy() {
		return nil, false
	}

	data, err := l.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			l.storeFailed("get", err)
		}
		l.metrics.RecordCacheMiss(string(category))
		return nil, false
	}

	entry, err := unmarshalEntry(data)
	if err != nil {
		l.logger.Warn("dropping undecodable cache entry",
			observability.String("key", key),
			observability.Error(err))
		l.metrics.RecordCacheError("decode")
		_ = l.store.Delete(ctx, key)
		l.metrics.RecordCacheMiss(string(category))
		return nil, false
	}

	l.metrics.RecordCacheHit(string(category))
	return entry, true
}

// Store saves a response under key. Responses with status >= 400 are not
// stored. Reports whether the entry was written.
func (l *Layer) Store(
	ctx context.Context, key string, status int, header http.Header, body []byte, ttl time.Duration,
) bool {
	if !l.Healthy() || status >= http.StatusBadRequest {
		return false
	}

	data, err := marshalEntry(NewEntry(status, header, body, ttl, l.now()))
	if err != nil {
		l.metrics.RecordCacheError("encode")
		return false
	}

	if err := l.store.Set(ctx, key, data, ttl); err != nil {
		l.storeFailed("set", err)
		return false
	}

	l.logger.Debug("response cached",
		observability.String("key", key),
		observability.Duration("ttl", ttl))
	return true
}

// Invalidate deletes every entry matching a glob pattern and returns the
// number removed.
func (l *Layer) Invalidate(ctx context.Context, pattern string) (int, error) {
	if !l.Enabled() {
		return 0, ErrDisabled
	}

	n, err := l.store.DeletePattern(ctx, pattern)
	if err != nil {
		l.storeFailed("invalidate", err)
		return n, err
	}

	l.logger.Info("cache invalidated",
		observability.String("pattern", pattern),
		observability.Int("deleted", n))
	return n, nil
}

// InvalidatePath removes every entry whose path starts with prefix.
func (l *Layer) InvalidatePath(ctx context.Context, prefix string) (int, error) {
	return l.Invalidate(ctx, PathPattern(prefix))
}

// InvalidateUser removes every entry scoped to userID.
func (l *Layer) InvalidateUser(ctx context.Context, userID string) (int, error) {
	return l.Invalidate(ctx, UserPattern(userID))
}

// InvalidatePathFragment removes every entry whose request path contains
// fragment, e.g. "/users/".
func (l *Layer) InvalidatePathFragment(ctx context.Context, fragment string) (int, error) {
	return l.Invalidate(ctx, ContainsPattern(fragment))
}

// Clear removes every response cache entry.
func (l *Layer) Clear(ctx context.Context) (int, error) {
	return l.Invalidate(ctx, KeyPrefix+"*")
}

func (l *Layer) storeFailed(op string, err error) {
	l.metrics.RecordCacheError(op)
	if l.healthy.CompareAndSwap(true, false) {
		l.logger.Warn("cache store unavailable, bypassing cache",
			observability.String("operation", op),
			observability.Error(err))
	}
}

// Start launches the background ping loop that tracks store health.
func (l *Layer) Start(ctx context.Context) {
	if !l.Enabled() {
		return
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.stoppedCh = make(chan struct{})
	l.mu.Unlock()

	go l.healthLoop(ctx)
}

// Stop halts the ping loop.
func (l *Layer) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stopCh, stoppedCh := l.stopCh, l.stoppedCh
	l.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (l *Layer) healthLoop(ctx context.Context) {
	defer close(l.stoppedCh)

	ticker := time.NewTicker(l.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.CheckHealth(ctx)
		}
	}
}

// CheckHealth pings the store once and updates the health flag.
func (l *Layer) CheckHealth(ctx context.Context) bool {
	if !l.Enabled() {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := l.store.Ping(ctx); err != nil {
		l.storeFailed("ping", err)
		return false
	}

	if l.healthy.CompareAndSwap(false, true) {
		l.logger.Info("cache store recovered")
	}
	return true
}
