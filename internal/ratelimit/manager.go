package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/propgw/internal/observability"
	"github.com/vyrodovalexey/propgw/internal/ratelimit/store"
)

// Built-in category names.
const (
	CategoryGlobal = "global"
	CategoryAuth   = "auth"
	CategoryCRUD   = "crud"
	CategoryUpload = "upload"
)

// ErrUnknownCategory is returned for a category that was never configured.
var ErrUnknownCategory = errors.New("unknown rate limit category")

// ErrUnavailable is returned when counters cannot be reached and no local
// fallback is configured.
var ErrUnavailable = store.ErrUnavailable

// Category configures one named limiter.
type Category struct {
	Name   string
	Limit  int
	Window time.Duration
	KeyBy  KeyBy
	// SkipSuccessful refunds the hit when the request ends with status < 400.
	SkipSuccessful bool
}

// Validate checks the category.
func (c Category) Validate() error {
	if c.Name == "" {
		return errors.New("rate limit category name is required")
	}
	if c.Limit < 1 {
		return fmt.Errorf("rate limit category %s: limit must be positive", c.Name)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit category %s: window must be positive", c.Name)
	}
	if _, err := ParseKeyBy(string(c.KeyBy)); err != nil {
		return fmt.Errorf("rate limit category %s: %w", c.Name, err)
	}
	return nil
}

// DefaultCategories returns the built-in limits.
func DefaultCategories() []Category {
	return []Category{
		{Name: CategoryGlobal, Limit: 1000, Window: 15 * time.Minute, KeyBy: KeyByIdentity},
		{Name: CategoryAuth, Limit: 10, Window: 15 * time.Minute, KeyBy: KeyByIP, SkipSuccessful: true},
		{Name: CategoryCRUD, Limit: 100, Window: time.Minute, KeyBy: KeyByIdentity},
		{Name: CategoryUpload, Limit: 10, Window: time.Hour, KeyBy: KeyByIdentity},
	}
}

type categoryLimiter struct {
	category Category
	limiter  *FixedWindowLimiter
}

// Manager holds one limiter per category over a shared store.
type Manager struct {
	limiters map[string]categoryLimiter
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager builds limiters for every category.
func NewManager(s store.Store, categories []Category, opts ...Option) (*Manager, error) {
	m := &Manager{
		limiters: make(map[string]categoryLimiter, len(categories)),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, c := range categories {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.limiters[c.Name]; dup {
			return nil, fmt.Errorf("duplicate rate limit category %q", c.Name)
		}
		if c.KeyBy == "" {
			c.KeyBy = KeyByIdentity
		}
		m.limiters[c.Name] = categoryLimiter{
			category: c,
			limiter:  NewFixedWindowLimiter(s, c.Name, c.Limit, c.Window, m.logger),
		}
	}
	return m, nil
}

// Categories returns the configured category names, sorted.
func (m *Manager) Categories() []string {
	names := make([]string, 0, len(m.limiters))
	for name := range m.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a category is configured.
func (m *Manager) Has(category string) bool {
	_, ok := m.limiters[category]
	return ok
}

// SkipSuccessful reports whether hits on category are refunded for
// successful requests.
func (m *Manager) SkipSuccessful(category string) bool {
	cl, ok := m.limiters[category]
	return ok && cl.category.SkipSuccessful
}

// Allow counts the request against category for subj.
func (m *Manager) Allow(ctx context.Context, category string, subj Subject) (*Result, error) {
	cl, ok := m.limiters[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	res, err := cl.limiter.Allow(ctx, subj.Key(cl.category.KeyBy))
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		m.metrics.RecordRateLimitHit(category, subj.Authenticated())
	}
	return res, nil
}

// Refund takes back a hit previously counted by Allow.
func (m *Manager) Refund(ctx context.Context, res *Result) error {
	if res == nil {
		return nil
	}
	cl, ok := m.limiters[res.Category]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, res.Category)
	}
	return cl.limiter.Refund(ctx, res)
}
