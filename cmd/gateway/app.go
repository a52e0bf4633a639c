package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/propgw/internal/auth"
	"github.com/vyrodovalexey/propgw/internal/backend"
	"github.com/vyrodovalexey/propgw/internal/cache"
	"github.com/vyrodovalexey/propgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/propgw/internal/config"
	"github.com/vyrodovalexey/propgw/internal/gateway"
	"github.com/vyrodovalexey/propgw/internal/health"
	"github.com/vyrodovalexey/propgw/internal/observability"
	"github.com/vyrodovalexey/propgw/internal/proxy"
	"github.com/vyrodovalexey/propgw/internal/ratelimit"
	"github.com/vyrodovalexey/propgw/internal/ratelimit/store"
)

// application holds all application components.
type application struct {
	config   *config.Config
	logger   observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	redis    redis.UniversalClient
	registry *backend.Registry
	balancer *backend.Balancer
	monitor  *health.Monitor
	cache    *cache.Layer
	limits   *ratelimit.Manager
	// limitStore is closed on shutdown; nil when rate limiting is disabled.
	limitStore store.Store
	pipeline   *gateway.Pipeline
	server     *gateway.Server

	reloadMetrics *reloadMetrics
}

// newApplication builds every component from cfg. On error the components
// created so far are released.
func newApplication(cfg *config.Config, logger observability.Logger) (app *application, err error) {
	app = &application{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics(observability.DefaultNamespace),
	}
	defer func() {
		if err != nil {
			app.close(context.Background())
			app = nil
		}
	}()

	app.metrics.SetBuildInfo(version, gitCommit, buildTime)
	app.reloadMetrics = newReloadMetrics(app.metrics)

	if app.tracer, err = initTracer(cfg.Tracing); err != nil {
		return app, fmt.Errorf("tracer: %w", err)
	}
	if app.redis, err = newRedisClient(cfg.Redis); err != nil {
		return app, fmt.Errorf("redis: %w", err)
	}

	if err = app.initBackends(); err != nil {
		return app, err
	}
	app.initCache()
	if err = app.initRateLimits(); err != nil {
		return app, err
	}
	gate, err := app.initAuth()
	if err != nil {
		return app, err
	}
	if err = app.initPipeline(gate); err != nil {
		return app, err
	}
	return app, app.initServer()
}

// initTracer initializes the tracer.
func initTracer(cfg config.TracingConfig) (*observability.Tracer, error) {
	return observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.SamplingRate,
		Enabled:      cfg.Enabled,
		Insecure:     cfg.Insecure,
	})
}

// newRedisClient creates the client shared by sessions, rate limits and
// the cache. Connecting is lazy; each consumer copes with Redis being down.
func newRedisClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if d := cfg.DialTimeout.Duration(); d > 0 {
		opts.DialTimeout = d
	}
	if d := cfg.ReadTimeout.Duration(); d > 0 {
		opts.ReadTimeout = d
	}
	if d := cfg.WriteTimeout.Duration(); d > 0 {
		opts.WriteTimeout = d
	}
	return redis.NewClient(opts), nil
}

// serviceDescriptors converts configured services for the registry.
func serviceDescriptors(services []config.ServiceConfig) []backend.ServiceDescriptor {
	descs := make([]backend.ServiceDescriptor, 0, len(services))
	for _, s := range services {
		d := backend.ServiceDescriptor{
			Name:       s.Name,
			PathPrefix: s.PathPrefix,
			HealthPath: s.HealthPath,
			Weight:     s.Weight,
			Instances:  make([]backend.InstanceDescriptor, 0, len(s.Instances)),
		}
		for _, i := range s.Instances {
			d.Instances = append(d.Instances, backend.InstanceDescriptor{ID: i.ID, URL: i.URL, Weight: i.Weight})
		}
		descs = append(descs, d)
	}
	return descs
}

func (app *application) initBackends() error {
	cfg := app.config

	registry, err := backend.NewRegistry(serviceDescriptors(cfg.Services), cfg.LoadBalancer.StatsWindow)
	if err != nil {
		return fmt.Errorf("services: %w", err)
	}
	strategy, err := backend.ParseStrategy(cfg.LoadBalancer.Strategy)
	if err != nil {
		return fmt.Errorf("load balancer: %w", err)
	}
	balancer, err := backend.NewBalancer(registry, strategy)
	if err != nil {
		return fmt.Errorf("load balancer: %w", err)
	}

	app.registry = registry
	app.balancer = balancer
	app.monitor = health.NewMonitor(registry, health.Config{
		Interval:          cfg.Health.Interval.Duration(),
		Timeout:           cfg.Health.Timeout.Duration(),
		DegradedThreshold: cfg.Health.DegradedThreshold.Duration(),
		FailureThreshold:  cfg.Health.FailureThreshold,
	},
		health.WithLogger(app.logger.With(observability.String("component", "health"))),
		health.WithMetrics(app.metrics),
		health.WithVersion(version),
	)
	return nil
}

// cacheTTLs converts configured TTLs, keeping defaults for unset categories.
func cacheTTLs(cfg config.CacheTTLConfig) cache.TTLConfig {
	ttl := cache.DefaultTTLConfig()
	set := func(dst *time.Duration, d config.Duration) {
		if v := d.Duration(); v > 0 {
			*dst = v
		}
	}
	set(&ttl.Generic, cfg.Generic)
	set(&ttl.User, cfg.User)
	set(&ttl.Search, cfg.Search)
	set(&ttl.Analytics, cfg.Analytics)
	set(&ttl.Health, cfg.Health)
	return ttl
}

func (app *application) initCache() {
	cfg := app.config.Cache
	redisStore := cache.NewRedisStore(app.redis, cache.WithRedisLogger(app.logger.Zap()))
	app.cache = cache.NewLayer(redisStore, cache.Config{
		Enabled:        cfg.Enabled,
		TTL:            cacheTTLs(cfg.TTL),
		HealthInterval: cfg.HealthInterval.Duration(),
	},
		cache.WithLogger(app.logger.With(observability.String("component", "cache"))),
		cache.WithMetrics(app.metrics),
	)
}

// breakerConfig converts a configured breaker.
func breakerConfig(cfg config.BreakerConfig) circuitbreaker.Config {
	bc := circuitbreaker.DefaultConfig()
	if cfg.MaxFailures > 0 {
		bc.MaxFailures = cfg.MaxFailures
	}
	if d := cfg.Timeout.Duration(); d > 0 {
		bc.Timeout = d
	}
	return bc
}

// rateLimitCategories converts configured categories.
func rateLimitCategories(cfgs []config.RateLimitCategory) []ratelimit.Category {
	cats := make([]ratelimit.Category, 0, len(cfgs))
	for _, c := range cfgs {
		cats = append(cats, ratelimit.Category{
			Name:           c.Name,
			Limit:          c.Limit,
			Window:         c.Window.Duration(),
			KeyBy:          ratelimit.KeyBy(c.KeyBy),
			SkipSuccessful: c.SkipSuccessful,
		})
	}
	return cats
}

func (app *application) initRateLimits() error {
	cfg := app.config.RateLimit
	if !cfg.Enabled {
		return nil
	}

	zl := app.logger.Zap()
	opts := []store.FailoverOption{store.WithFailoverLogger(zl)}
	if cfg.Fallback != config.FallbackNone {
		opts = append(opts,
			store.WithFallback(store.NewMemoryStore()),
			store.WithFallbackHook(app.metrics.RecordRateLimitFallback),
		)
	}
	failover := store.NewFailoverStore(
		store.NewRedisStore(app.redis, store.DefaultPrefix, zl),
		circuitbreaker.New("ratelimit-redis", breakerConfig(cfg.Breaker), zl),
		opts...,
	)
	app.limitStore = failover

	limits, err := ratelimit.NewManager(failover, rateLimitCategories(cfg.Categories),
		ratelimit.WithMetrics(app.metrics),
		ratelimit.WithLogger(zl),
	)
	if err != nil {
		return fmt.Errorf("rate limits: %w", err)
	}
	app.limits = limits
	return nil
}

func (app *application) initAuth() (*auth.Gate, error) {
	cfg := app.config.Auth
	zl := app.logger.Zap()

	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.ClockSkew.Duration(), nil)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	sessions := auth.NewRedisSessionStore(app.redis,
		circuitbreaker.New("auth-redis", breakerConfig(cfg.Breaker), zl), zl)
	return auth.NewGate(verifier, sessions,
		auth.WithGateLogger(app.logger.With(observability.String("component", "auth"))),
	), nil
}

// routeTable resolves the configured routes.
func routeTable(cfg *config.Config) (*gateway.RouteTable, error) {
	return gateway.NewRouteTable(cfg.Routes, gateway.RouteOptions{
		TTL:       cacheTTLs(cfg.Cache.TTL),
		MFAWindow: cfg.Auth.MFAWindow.Duration(),
	})
}

func (app *application) initPipeline(gate *auth.Gate) error {
	cfg := app.config

	routes, err := routeTable(cfg)
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}

	executor := proxy.NewExecutor(app.balancer,
		proxy.WithTimeout(cfg.Server.RequestTimeout.Duration()),
		proxy.WithLogger(app.logger.With(observability.String("component", "proxy"))),
		proxy.WithMetrics(app.metrics),
		proxy.WithTracer(app.tracer),
	)

	deps := gateway.Dependencies{
		Auth:      gate,
		Cache:     app.cache,
		Selector:  app.balancer,
		Forwarder: executor,
	}
	pcfg := gateway.Config{
		Production:   cfg.Server.Production(),
		Version:      version,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	// A nil *Manager must not become a non-nil Limiter.
	if app.limits != nil {
		deps.Limiter = app.limits
		pcfg.RateLimitEnabled = true
		pcfg.GlobalRateLimit = ratelimit.CategoryGlobal
		pcfg.UploadRateLimit = ratelimit.CategoryUpload
	}

	app.pipeline, err = gateway.NewPipeline(pcfg, routes, deps,
		gateway.WithLogger(app.logger),
		gateway.WithMetrics(app.metrics),
		gateway.WithTracer(app.tracer),
	)
	return err
}

func (app *application) initServer() error {
	s := app.config.Server

	scfg := gateway.DefaultServerConfig()
	scfg.Port = s.Port
	scfg.MaxBodyBytes = s.MaxBodyBytes
	scfg.Production = s.Production()
	scfg.TrustProxyHeaders = s.TrustProxyHeaders
	scfg.TrustedProxies = s.TrustedProxies
	if d := s.ReadHeaderTimeout.Duration(); d > 0 {
		scfg.ReadHeaderTimeout = d
	}
	if d := s.ReadTimeout.Duration(); d > 0 {
		scfg.ReadTimeout = d
	}
	if d := s.WriteTimeout.Duration(); d > 0 {
		scfg.WriteTimeout = d
	}
	if d := s.IdleTimeout.Duration(); d > 0 {
		scfg.IdleTimeout = d
	}

	var err error
	app.server, err = gateway.NewServer(scfg, gateway.Handlers{
		Pipeline: app.pipeline,
		Health:   app.monitor.Handler(),
		Metrics:  app.metrics.Handler(),
		Info:     gateway.InfoHandler(version, app.pipeline.Routes, nil),
	}, app.logger, app.metrics)
	return err
}

// start launches the background loops and the listener.
func (app *application) start(ctx context.Context) error {
	app.monitor.Start(ctx)
	app.cache.Start(ctx)
	return app.server.Start()
}

// close releases the components that hold resources. It is safe on a
// partially built application.
func (app *application) close(ctx context.Context) {
	if app.monitor != nil {
		app.monitor.Stop()
	}
	if app.cache != nil {
		app.cache.Stop()
	}

	var errs []error
	if app.limitStore != nil {
		errs = append(errs, app.limitStore.Close())
	}
	// the stores share the client and leave closing it to its owner
	if app.redis != nil {
		errs = append(errs, app.redis.Close())
	}
	if app.tracer != nil {
		errs = append(errs, app.tracer.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		app.logger.Error("failed to release resources", observability.Error(err))
	}
}
