package config

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/propgw/internal/auth"
	"github.com/vyrodovalexey/propgw/internal/backend"
	"github.com/vyrodovalexey/propgw/internal/cache"
	"github.com/vyrodovalexey/propgw/internal/ratelimit"
)

// minProductionSecretLength is the shortest JWT secret accepted in production.
const minProductionSecretLength = 32

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates a gateway configuration.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateLogging(&cfg.Logging)
	v.validateAuth(&cfg.Auth, cfg.Server.Production())
	v.validateRedis(&cfg.Redis)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateHealth(&cfg.Health)
	v.validateLoadBalancer(&cfg.LoadBalancer)
	services := v.validateServices(cfg.Services)
	v.validateRoutes(cfg.Routes, services, &cfg.RateLimit)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Port < 1 || s.Port > 65535 {
		v.addError("server.port", fmt.Sprintf("port must be between 1 and 65535, got %d", s.Port))
	}
	switch s.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		v.addError("server.environment", fmt.Sprintf("unknown environment %q", s.Environment))
	}
	if s.MaxBodyBytes <= 0 {
		v.addError("server.maxBodyBytes", "must be positive")
	}
	if s.RequestTimeout <= 0 {
		v.addError("server.requestTimeout", "must be positive")
	}
	if s.ShutdownTimeout <= 0 {
		v.addError("server.shutdownTimeout", "must be positive")
	}
}

func (v *Validator) validateLogging(l *LoggingConfig) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("unknown level %q", l.Level))
	}
	switch l.Format {
	case "json", "console":
	default:
		v.addError("logging.format", "format must be json or console")
	}
}

func (v *Validator) validateAuth(a *AuthConfig, production bool) {
	switch {
	case a.JWTSecret == "":
		v.addError("auth.jwtSecret", "jwt secret is required")
	case production && len(a.JWTSecret) < minProductionSecretLength:
		v.addError("auth.jwtSecret",
			fmt.Sprintf("jwt secret must be at least %d characters in production", minProductionSecretLength))
	}
	if a.ClockSkew < 0 {
		v.addError("auth.clockSkew", "must not be negative")
	}
}

func (v *Validator) validateRedis(r *RedisConfig) {
	if r.URL == "" {
		v.addError("redis.url", "redis url is required")
		return
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		v.addError("redis.url", "redis url must use the redis:// or rediss:// scheme")
	}
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	switch rl.Fallback {
	case FallbackLocal, FallbackNone:
	default:
		v.addError("rateLimit.fallback", "fallback must be local or none")
	}

	names := make(map[string]bool)
	for i, cat := range rl.Categories {
		path := fmt.Sprintf("rateLimit.categories[%d]", i)
		if names[cat.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate category: %s", cat.Name))
		}
		names[cat.Name] = true

		keyBy, err := ratelimit.ParseKeyBy(cat.KeyBy)
		if err != nil {
			v.addError(path+".keyBy", err.Error())
			continue
		}
		c := ratelimit.Category{
			Name:   cat.Name,
			Limit:  cat.Limit,
			Window: cat.Window.Duration(),
			KeyBy:  keyBy,
		}
		if err := c.Validate(); err != nil {
			v.addError(path, err.Error())
		}
	}
}

func (v *Validator) validateHealth(h *HealthConfig) {
	if h.Interval <= 0 {
		v.addError("health.interval", "must be positive")
	}
	if h.Timeout <= 0 {
		v.addError("health.timeout", "must be positive")
	}
	if h.FailureThreshold < 1 {
		v.addError("health.failureThreshold", "must be at least 1")
	}
}

func (v *Validator) validateLoadBalancer(lb *LoadBalancerConfig) {
	if _, err := backend.ParseStrategy(lb.Strategy); err != nil {
		v.addError("loadBalancer.strategy", err.Error())
	}
}

// validateServices returns the set of declared service names.
func (v *Validator) validateServices(services []ServiceConfig) map[string]bool {
	names := make(map[string]bool, len(services))
	if len(services) == 0 {
		v.addError("services", "at least one service is required")
	}

	for i, svc := range services {
		path := fmt.Sprintf("services[%d]", i)
		switch {
		case svc.Name == "":
			v.addError(path+".name", "service name is required")
		case names[svc.Name]:
			v.addError(path+".name", fmt.Sprintf("duplicate service name: %s", svc.Name))
		default:
			names[svc.Name] = true
		}

		if len(svc.Instances) == 0 {
			v.addError(path+".instances", "at least one instance is required")
		}
		ids := make(map[string]bool, len(svc.Instances))
		for j, inst := range svc.Instances {
			ipath := fmt.Sprintf("%s.instances[%d]", path, j)
			if inst.ID == "" {
				v.addError(ipath+".id", "instance id is required")
			} else if ids[inst.ID] {
				v.addError(ipath+".id", fmt.Sprintf("duplicate instance id: %s", inst.ID))
			}
			ids[inst.ID] = true

			u, err := url.Parse(inst.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				v.addError(ipath+".url", fmt.Sprintf("instance url must be absolute, got %q", inst.URL))
			}
			if inst.Weight < 0 {
				v.addError(ipath+".weight", "weight must not be negative")
			}
		}
	}
	return names
}

func (v *Validator) validateRoutes(routes []RouteConfig, services map[string]bool, rl *RateLimitConfig) {
	names := make(map[string]bool, len(routes))
	prefixes := make(map[string]string, len(routes))

	for i, route := range routes {
		path := fmt.Sprintf("routes[%d]", i)
		switch {
		case route.Name == "":
			v.addError(path+".name", "route name is required")
		case names[route.Name]:
			v.addError(path+".name", fmt.Sprintf("duplicate route name: %s", route.Name))
		default:
			names[route.Name] = true
		}

		switch {
		case !strings.HasPrefix(route.Prefix, "/"):
			v.addError(path+".prefix", "prefix must start with /")
		case prefixes[route.Prefix] != "":
			v.addError(path+".prefix", fmt.Sprintf("prefix already used by route %s", prefixes[route.Prefix]))
		default:
			prefixes[route.Prefix] = route.Name
		}

		if !services[route.Service] {
			v.addError(path+".service", fmt.Sprintf("unknown service: %s", route.Service))
		}
		if _, err := auth.ParseMode(route.Auth); err != nil {
			v.addError(path+".auth", err.Error())
		}
		for _, cat := range route.RateLimits {
			if _, ok := rl.Category(cat); !ok {
				v.addError(path+".rateLimits", fmt.Sprintf("unknown rate limit category: %s", cat))
			}
		}
		switch route.Validator {
		case "", ValidatorProperties, ValidatorUsers, ValidatorAuth:
		default:
			v.addError(path+".validator", fmt.Sprintf("unknown validator: %s", route.Validator))
		}
		if route.Cache.Enabled {
			if _, err := cache.ParseCategory(route.Cache.Category); err != nil {
				v.addError(path+".cache.category", err.Error())
			}
		}
		v.validateGates(route.Gates, path)
	}
}

func (v *Validator) validateGates(gates []GateConfig, routePath string) {
	for i, gate := range gates {
		path := fmt.Sprintf("%s.gates[%d]", routePath, i)
		for _, m := range gate.Methods {
			switch strings.ToUpper(m) {
			case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
				http.MethodPatch, http.MethodDelete, http.MethodOptions:
			default:
				v.addError(path+".methods", fmt.Sprintf("unknown method: %s", m))
			}
		}
		if len(gate.Roles) == 0 && !gate.EmailVerified && !gate.MFA {
			v.addError(path, "gate has no requirement")
		}
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
