package config

import (
	"net/http"
	"time"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Rate limit fallback modes when Redis is unavailable.
const (
	// FallbackLocal counts in process memory while Redis is down.
	FallbackLocal = "local"
	// FallbackNone rejects requests while Redis is down.
	FallbackNone = "none"
)

// Route validators.
const (
	ValidatorProperties = "properties"
	ValidatorUsers      = "users"
	ValidatorAuth       = "auth"
)

// Config is the complete gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server" json:"server"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Tracing      TracingConfig      `yaml:"tracing" json:"tracing"`
	Redis        RedisConfig        `yaml:"redis" json:"redis"`
	Auth         AuthConfig         `yaml:"auth" json:"auth"`
	Cache        CacheConfig        `yaml:"cache" json:"cache"`
	RateLimit    RateLimitConfig    `yaml:"rateLimit" json:"rateLimit"`
	Health       HealthConfig       `yaml:"health" json:"health"`
	LoadBalancer LoadBalancerConfig `yaml:"loadBalancer" json:"loadBalancer"`
	Services     []ServiceConfig    `yaml:"services" json:"services"`
	Routes       []RouteConfig      `yaml:"routes" json:"routes"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port              int      `yaml:"port" json:"port"`
	Environment       string   `yaml:"environment" json:"environment"`
	MaxBodyBytes      int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	RequestTimeout    Duration `yaml:"requestTimeout" json:"requestTimeout"`
	ReadHeaderTimeout Duration `yaml:"readHeaderTimeout" json:"readHeaderTimeout"`
	ReadTimeout       Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout      Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout       Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout   Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool `yaml:"trustProxyHeaders" json:"trustProxyHeaders"`
	// TrustedProxies restricts TrustProxyHeaders to these peers (CIDRs or IPs).
	TrustedProxies []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
}

// Production reports whether the gateway runs in production.
func (s ServerConfig) Production() bool {
	return s.Environment == EnvProduction
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	URL          string   `yaml:"url" json:"url"`
	PoolSize     int      `yaml:"poolSize" json:"poolSize"`
	DialTimeout  Duration `yaml:"dialTimeout" json:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`
}

// BreakerConfig configures a circuit breaker around a Redis consumer.
type BreakerConfig struct {
	MaxFailures int      `yaml:"maxFailures" json:"maxFailures"`
	Timeout     Duration `yaml:"timeout" json:"timeout"`
}

// AuthConfig configures token verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret" json:"-"`
	ClockSkew Duration      `yaml:"clockSkew" json:"clockSkew"`
	MFAWindow Duration      `yaml:"mfaWindow" json:"mfaWindow"`
	Breaker   BreakerConfig `yaml:"breaker" json:"breaker"`
}

// CacheTTLConfig holds the per-category TTLs.
type CacheTTLConfig struct {
	Generic   Duration `yaml:"generic" json:"generic"`
	User      Duration `yaml:"user" json:"user"`
	Search    Duration `yaml:"search" json:"search"`
	Analytics Duration `yaml:"analytics" json:"analytics"`
	Health    Duration `yaml:"health" json:"health"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled        bool           `yaml:"enabled" json:"enabled"`
	TTL            CacheTTLConfig `yaml:"ttl" json:"ttl"`
	HealthInterval Duration       `yaml:"healthInterval" json:"healthInterval"`
}

// RateLimitCategory configures one fixed-window limiter.
type RateLimitCategory struct {
	Name           string   `yaml:"name" json:"name"`
	Limit          int      `yaml:"limit" json:"limit"`
	Window         Duration `yaml:"window" json:"window"`
	KeyBy          string   `yaml:"keyBy,omitempty" json:"keyBy,omitempty"`
	SkipSuccessful bool     `yaml:"skipSuccessful,omitempty" json:"skipSuccessful,omitempty"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	Enabled    bool                `yaml:"enabled" json:"enabled"`
	Fallback   string              `yaml:"fallback" json:"fallback"`
	Breaker    BreakerConfig       `yaml:"breaker" json:"breaker"`
	Categories []RateLimitCategory `yaml:"categories" json:"categories"`
}

// Category returns the named category.
func (c RateLimitConfig) Category(name string) (RateLimitCategory, bool) {
	for _, cat := range c.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return RateLimitCategory{}, false
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Interval          Duration `yaml:"interval" json:"interval"`
	Timeout           Duration `yaml:"timeout" json:"timeout"`
	DegradedThreshold Duration `yaml:"degradedThreshold" json:"degradedThreshold"`
	FailureThreshold  int      `yaml:"failureThreshold" json:"failureThreshold"`
}

// LoadBalancerConfig configures instance selection.
type LoadBalancerConfig struct {
	Strategy    string `yaml:"strategy" json:"strategy"`
	StatsWindow int    `yaml:"statsWindow" json:"statsWindow"`
}

// InstanceConfig declares one backend instance.
type InstanceConfig struct {
	ID     string `yaml:"id" json:"id"`
	URL    string `yaml:"url" json:"url"`
	Weight int    `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// ServiceConfig declares a backend service.
type ServiceConfig struct {
	Name       string           `yaml:"name" json:"name"`
	PathPrefix string           `yaml:"pathPrefix" json:"pathPrefix"`
	HealthPath string           `yaml:"healthPath" json:"healthPath"`
	Weight     int              `yaml:"weight,omitempty" json:"weight,omitempty"`
	Instances  []InstanceConfig `yaml:"instances" json:"instances"`
}

// RewriteConfig replaces a path prefix before forwarding.
type RewriteConfig struct {
	Prefix      string `yaml:"prefix" json:"prefix"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// RouteCacheConfig enables response caching on a route.
type RouteCacheConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Category string   `yaml:"category,omitempty" json:"category,omitempty"`
	TTL      Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// GateConfig applies authorization requirements to some methods of a route.
// An empty method list applies the gate to every method.
type GateConfig struct {
	Methods       []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Roles         []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	EmailVerified bool     `yaml:"emailVerified,omitempty" json:"emailVerified,omitempty"`
	MFA           bool     `yaml:"mfa,omitempty" json:"mfa,omitempty"`
}

// RouteConfig maps a path prefix to a backend service.
type RouteConfig struct {
	Name       string           `yaml:"name" json:"name"`
	Prefix     string           `yaml:"prefix" json:"prefix"`
	Service    string           `yaml:"service" json:"service"`
	Rewrite    RewriteConfig    `yaml:"rewrite" json:"rewrite"`
	Auth       string           `yaml:"auth" json:"auth"`
	RateLimits []string         `yaml:"rateLimits,omitempty" json:"rateLimits,omitempty"`
	Validator  string           `yaml:"validator,omitempty" json:"validator,omitempty"`
	Cache      RouteCacheConfig `yaml:"cache" json:"cache"`
	Gates      []GateConfig     `yaml:"gates,omitempty" json:"gates,omitempty"`
}

var writeMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// DefaultConfig returns the built-in configuration: three services on
// localhost and the auth, properties and users routes.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			Environment:       EnvDevelopment,
			MaxBodyBytes:      10 << 20,
			RequestTimeout:    Duration(30 * time.Second),
			ReadHeaderTimeout: Duration(10 * time.Second),
			ReadTimeout:       Duration(60 * time.Second),
			WriteTimeout:      Duration(60 * time.Second),
			IdleTimeout:       Duration(120 * time.Second),
			ShutdownTimeout:   Duration(15 * time.Second),
			TrustProxyHeaders: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName:  "propgw",
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379",
			PoolSize:     50,
			DialTimeout:  Duration(5 * time.Second),
			ReadTimeout:  Duration(3 * time.Second),
			WriteTimeout: Duration(3 * time.Second),
		},
		Auth: AuthConfig{
			ClockSkew: Duration(30 * time.Second),
			MFAWindow: Duration(30 * time.Minute),
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     Duration(10 * time.Second),
			},
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL: CacheTTLConfig{
				Generic:   Duration(300 * time.Second),
				User:      Duration(600 * time.Second),
				Search:    Duration(180 * time.Second),
				Analytics: Duration(900 * time.Second),
				Health:    Duration(30 * time.Second),
			},
			HealthInterval: Duration(10 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Fallback: FallbackLocal,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     Duration(10 * time.Second),
			},
			Categories: []RateLimitCategory{
				{Name: "global", Limit: 1000, Window: Duration(15 * time.Minute), KeyBy: "identity"},
				{Name: "auth", Limit: 10, Window: Duration(15 * time.Minute), KeyBy: "ip", SkipSuccessful: true},
				{Name: "crud", Limit: 100, Window: Duration(time.Minute), KeyBy: "identity"},
				{Name: "upload", Limit: 10, Window: Duration(time.Hour), KeyBy: "identity"},
			},
		},
		Health: HealthConfig{
			Interval:          Duration(30 * time.Second),
			Timeout:           Duration(5 * time.Second),
			DegradedThreshold: Duration(3 * time.Second),
			FailureThreshold:  1,
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy:    "round_robin",
			StatsWindow: 100,
		},
		Services: []ServiceConfig{
			{
				Name:       "auth-service",
				PathPrefix: "/api/v1/auth",
				HealthPath: "/health",
				Weight:     1,
				Instances:  []InstanceConfig{{ID: "auth-service-1", URL: "http://localhost:3001", Weight: 1}},
			},
			{
				Name:       "property-service",
				PathPrefix: "/api/v1/properties",
				HealthPath: "/actuator/health",
				Weight:     1,
				Instances:  []InstanceConfig{{ID: "property-service-1", URL: "http://localhost:8081", Weight: 1}},
			},
			{
				Name:       "user-service",
				PathPrefix: "/api/v1/users",
				HealthPath: "/health",
				Weight:     1,
				Instances:  []InstanceConfig{{ID: "user-service-1", URL: "http://localhost:3001", Weight: 1}},
			},
		},
		Routes: []RouteConfig{
			{
				Name:       "auth",
				Prefix:     "/api/v1/auth",
				Service:    "auth-service",
				Rewrite:    RewriteConfig{Prefix: "/api/v1/auth"},
				Auth:       "optional",
				RateLimits: []string{"auth"},
				Validator:  ValidatorAuth,
			},
			{
				Name:       "properties",
				Prefix:     "/api/v1/properties",
				Service:    "property-service",
				Rewrite:    RewriteConfig{Prefix: "/api/v1/properties"},
				Auth:       "required",
				RateLimits: []string{"crud"},
				Validator:  ValidatorProperties,
				Cache:      RouteCacheConfig{Enabled: true, Category: "generic", TTL: Duration(300 * time.Second)},
				Gates: []GateConfig{
					{Methods: writeMethods, Roles: []string{"landlord", "admin", "super_admin"}, EmailVerified: true},
				},
			},
			{
				Name:       "users",
				Prefix:     "/api/v1/users",
				Service:    "user-service",
				Rewrite:    RewriteConfig{Prefix: "/api/v1/users", Replacement: "/users"},
				Auth:       "required",
				RateLimits: []string{"crud"},
				Validator:  ValidatorUsers,
				Cache:      RouteCacheConfig{Enabled: true, Category: "user"},
				Gates: []GateConfig{
					{Methods: []string{http.MethodDelete}, Roles: []string{"admin", "super_admin"}, MFA: true},
				},
			},
		},
	}
}
