package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/propgw/internal/cache"
	"github.com/vyrodovalexey/propgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/propgw/internal/config"
	"github.com/vyrodovalexey/propgw/internal/ratelimit"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG_PATH", "/etc/propgw/gateway.yaml")
	t.Setenv("GATEWAY_LOG_LEVEL", "warn")
	t.Setenv("GATEWAY_LOG_FORMAT", "")

	tests := []struct {
		name string
		args []string
		want cliFlags
	}{
		{
			name: "environment defaults",
			args: nil,
			want: cliFlags{configPath: "/etc/propgw/gateway.yaml", logLevel: "warn"},
		},
		{
			name: "flags override environment",
			args: []string{"-config", "local.yaml", "-log-level", "debug", "-log-format", "console"},
			want: cliFlags{configPath: "local.yaml", logLevel: "debug", logFormat: "console"},
		},
		{
			name: "version",
			args: []string{"-version"},
			want: cliFlags{configPath: "/etc/propgw/gateway.yaml", logLevel: "warn", showVersion: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("propgw", flag.ContinueOnError)
			got, err := parseFlags(fs, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFlags_Unknown(t *testing.T) {
	fs := flag.NewFlagSet("propgw", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, err := parseFlags(fs, []string{"-listen", ":80"})
	assert.Error(t, err)
}

func TestApplyLogFlags(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	applyLogFlags(cfg, cliFlags{})
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	applyLogFlags(cfg, cliFlags{logLevel: "debug", logFormat: "console"})
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestPrintVersion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "propgw version "+version)
	assert.Contains(t, buf.String(), "Git commit: "+gitCommit)
}

func TestInitLogger(t *testing.T) {
	t.Parallel()

	logger, err := initLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = initLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestServiceDescriptors(t *testing.T) {
	t.Parallel()

	descs := serviceDescriptors([]config.ServiceConfig{{
		Name:       "property-service",
		PathPrefix: "/api/v1/properties",
		HealthPath: "/actuator/health",
		Weight:     2,
		Instances: []config.InstanceConfig{
			{ID: "p1", URL: "http://10.0.0.1:8081", Weight: 3},
			{URL: "http://10.0.0.2:8081"},
		},
	}})

	require.Len(t, descs, 1)
	assert.Equal(t, "property-service", descs[0].Name)
	assert.Equal(t, "/actuator/health", descs[0].HealthPath)
	assert.Equal(t, 2, descs[0].Weight)
	require.Len(t, descs[0].Instances, 2)
	assert.Equal(t, "p1", descs[0].Instances[0].ID)
	assert.Equal(t, 3, descs[0].Instances[0].Weight)
	assert.Equal(t, "http://10.0.0.2:8081", descs[0].Instances[1].URL)
}

func TestCacheTTLs(t *testing.T) {
	t.Parallel()

	ttl := cacheTTLs(config.CacheTTLConfig{
		User:   config.Duration(time.Minute),
		Search: config.Duration(-time.Second),
	})
	assert.Equal(t, time.Minute, ttl.User)
	assert.Equal(t, cache.DefaultSearchTTL, ttl.Search)
	assert.Equal(t, cache.DefaultGenericTTL, ttl.Generic)
}

func TestBreakerConfig(t *testing.T) {
	t.Parallel()

	defaults := circuitbreaker.DefaultConfig()
	got := breakerConfig(config.BreakerConfig{})
	assert.Equal(t, defaults.MaxFailures, got.MaxFailures)
	assert.Equal(t, defaults.Timeout, got.Timeout)
	assert.Equal(t, defaults.HalfOpenMax, got.HalfOpenMax)
	require.NotNil(t, got.IsSuccessful)
	assert.True(t, got.IsSuccessful(context.Canceled))

	bc := breakerConfig(config.BreakerConfig{MaxFailures: 2, Timeout: config.Duration(3 * time.Second)})
	assert.Equal(t, 2, bc.MaxFailures)
	assert.Equal(t, 3*time.Second, bc.Timeout)
}

func TestRateLimitCategories(t *testing.T) {
	t.Parallel()

	cats := rateLimitCategories(config.DefaultConfig().RateLimit.Categories)
	require.Len(t, cats, 4)
	assert.Equal(t, ratelimit.Category{
		Name:           "auth",
		Limit:          10,
		Window:         15 * time.Minute,
		KeyBy:          ratelimit.KeyByIP,
		SkipSuccessful: true,
	}, cats[1])
	for _, c := range cats {
		assert.NoError(t, c.Validate())
	}
}
