package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// serviceEnv maps a service to its single-URL and multi-URL variables.
var serviceEnv = []struct {
	service string
	single  string
	multi   string
}{
	{service: "auth-service", single: "AUTH_SERVICE_URL", multi: "AUTH_SERVICE_URLS"},
	{service: "property-service", single: "PROPERTY_SERVICE_URL", multi: "PROPERTY_SERVICE_URLS"},
	{service: "user-service", single: "USER_SERVICE_URL", multi: "USER_SERVICE_URLS"},
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.intVar("API_GATEWAY_PORT", &cfg.Server.Port)
	e.intVar("PORT", &cfg.Server.Port)
	e.strVar("NODE_ENV", &cfg.Server.Environment)
	e.strVar("GATEWAY_ENV", &cfg.Server.Environment)

	e.strVar("LOG_LEVEL", &cfg.Logging.Level)
	e.strVar("LOG_FORMAT", &cfg.Logging.Format)

	e.boolVar("TRACING_ENABLED", &cfg.Tracing.Enabled)
	e.strVar("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.OTLPEndpoint)
	e.strVar("OTEL_SERVICE_NAME", &cfg.Tracing.ServiceName)

	e.strVar("JWT_SECRET", &cfg.Auth.JWTSecret)
	e.strVar("REDIS_URL", &cfg.Redis.URL)

	e.boolVar("CACHE_ENABLED", &cfg.Cache.Enabled)
	e.durationVar("CACHE_TTL_DEFAULT", &cfg.Cache.TTL.Generic)

	e.boolVar("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	e.strVar("RATE_LIMIT_FALLBACK", &cfg.RateLimit.Fallback)
	for i := range cfg.RateLimit.Categories {
		if cfg.RateLimit.Categories[i].Name != "global" {
			continue
		}
		e.millisVar("RATE_LIMIT_WINDOW_MS", &cfg.RateLimit.Categories[i].Window)
		e.intVar("RATE_LIMIT_MAX_REQUESTS", &cfg.RateLimit.Categories[i].Limit)
	}

	e.durationVar("HEALTH_CHECK_INTERVAL", &cfg.Health.Interval)
	e.durationVar("HEALTH_CHECK_TIMEOUT", &cfg.Health.Timeout)
	e.strVar("LOAD_BALANCER_STRATEGY", &cfg.LoadBalancer.Strategy)

	for _, se := range serviceEnv {
		urls := e.list(se.multi)
		if len(urls) == 0 {
			if single, ok := e.value(se.single); ok {
				urls = []string{single}
			}
		}
		if len(urls) == 0 {
			continue
		}
		setInstances(cfg, se.service, urls)
	}

	return e.err()
}

// setInstances replaces the instances of service with one per URL, named
// <service>-<n>.
func setInstances(cfg *Config, service string, urls []string) {
	instances := make([]InstanceConfig, 0, len(urls))
	for i, u := range urls {
		instances = append(instances, InstanceConfig{
			ID:     fmt.Sprintf("%s-%d", service, i+1),
			URL:    u,
			Weight: 1,
		})
	}
	for i := range cfg.Services {
		if cfg.Services[i].Name == service {
			cfg.Services[i].Instances = instances
			return
		}
	}
}

// envReader collects parse errors across many variables.
type envReader struct {
	lookup LookupFunc
	errs   ValidationErrors
}

func (e *envReader) value(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, msg string) {
	e.errs = append(e.errs, ValidationError{Path: "env." + key, Message: msg})
}

func (e *envReader) strVar(key string, dst *string) {
	if v, ok := e.value(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, "must be an integer")
		return
	}
	*dst = n
}

func (e *envReader) boolVar(key string, dst *bool) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, "must be a boolean")
		return
	}
	*dst = b
}

func (e *envReader) durationVar(key string, dst *Duration) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	d, err := ParseDuration(v)
	if err != nil {
		e.fail(key, err.Error())
		return
	}
	*dst = d
}

func (e *envReader) millisVar(key string, dst *Duration) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		e.fail(key, "must be a positive number of milliseconds")
		return
	}
	*dst = Duration(time.Duration(ms) * time.Millisecond)
}

func (e *envReader) list(key string) []string {
	v, ok := e.value(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return e.errs
}
