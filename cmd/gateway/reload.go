package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/propgw/internal/config"
	"github.com/vyrodovalexey/propgw/internal/observability"
)

// reloadMetrics holds Prometheus metrics for configuration reloads,
// registered with the gateway registry so they appear on /metrics.
type reloadMetrics struct {
	reloadTotal     *prometheus.CounterVec
	reloadDuration  prometheus.Histogram
	lastSuccess     prometheus.Gauge
	watcherStatus   prometheus.Gauge
	componentReload *prometheus.CounterVec
}

func newReloadMetrics(m *observability.Metrics) *reloadMetrics {
	rm := &reloadMetrics{
		reloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.DefaultNamespace,
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		),
		reloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: observability.DefaultNamespace,
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1},
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: observability.DefaultNamespace,
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of the last successful config reload",
			},
		),
		watcherStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: observability.DefaultNamespace,
				Name:      "config_watcher_running",
				Help:      "Whether the config file watcher is running (1=running, 0=stopped)",
			},
		),
		componentReload: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.DefaultNamespace,
				Name:      "config_reload_component_total",
				Help:      "Total number of component reloads by component and result",
			},
			[]string{"component", "result"},
		),
	}

	for _, c := range []prometheus.Collector{
		rm.reloadTotal,
		rm.reloadDuration,
		rm.lastSuccess,
		rm.watcherStatus,
		rm.componentReload,
	} {
		_ = m.RegisterCollector(c)
	}
	return rm
}

// startConfigWatcher watches configPath and applies changes. Without a
// config file there is nothing to watch.
func startConfigWatcher(
	ctx context.Context,
	app *application,
	configPath string,
	logger observability.Logger,
) *config.Watcher {
	rm := app.reloadMetrics
	if configPath == "" {
		rm.watcherStatus.Set(0)
		return nil
	}

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed, reloading")
		reloadComponents(app, newCfg, logger)
	},
		config.WithLogger(logger),
		config.WithErrorCallback(func(error) {
			rm.reloadTotal.WithLabelValues("error").Inc()
		}),
	)
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		rm.watcherStatus.Set(0)
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		rm.watcherStatus.Set(0)
		return watcher
	}

	rm.watcherStatus.Set(1)
	return watcher
}

// reloadComponents applies a validated configuration. Services, routes and
// the log level change in place; every other section needs a restart and
// only produces a warning. A failing component keeps its previous state.
func reloadComponents(app *application, newCfg *config.Config, logger observability.Logger) {
	start := time.Now()
	rm := app.reloadMetrics
	failed := false

	record := func(component string, err error) {
		if err != nil {
			failed = true
			logger.Error("failed to reload "+component, observability.Error(err))
			rm.componentReload.WithLabelValues(component, "error").Inc()
			return
		}
		rm.componentReload.WithLabelValues(component, "success").Inc()
	}

	if configSectionChanged(app.config.Services, newCfg.Services) {
		err := app.registry.Replace(serviceDescriptors(newCfg.Services))
		if err == nil {
			app.monitor.Refresh()
		}
		record("services", err)
	}

	if configSectionChanged(app.config.Routes, newCfg.Routes) ||
		configSectionChanged(app.config.Cache.TTL, newCfg.Cache.TTL) ||
		app.config.Auth.MFAWindow != newCfg.Auth.MFAWindow {
		routes, err := routeTable(newCfg)
		if err == nil {
			app.pipeline.SetRoutes(routes)
		}
		record("routes", err)
	}

	if app.config.Logging.Level != newCfg.Logging.Level {
		record("log_level", app.logger.SetLevel(newCfg.Logging.Level))
	}

	for _, section := range restartRequired(app.config, newCfg) {
		logger.Warn("configuration section changed but is not hot-reloaded; restart the gateway to apply it",
			observability.String("section", section),
		)
	}

	rm.reloadDuration.Observe(time.Since(start).Seconds())
	if failed {
		rm.reloadTotal.WithLabelValues("error").Inc()
		return
	}

	app.config = newCfg
	rm.reloadTotal.WithLabelValues("success").Inc()
	rm.lastSuccess.SetToCurrentTime()
	logger.Info("configuration reloaded")
}

// restartRequired lists the changed sections that are fixed at startup.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	sections := []struct {
		name          string
		before, after any
	}{
		{"server", oldCfg.Server, newCfg.Server},
		{"logging.format", oldCfg.Logging.Format, newCfg.Logging.Format},
		{"tracing", oldCfg.Tracing, newCfg.Tracing},
		{"redis", oldCfg.Redis, newCfg.Redis},
		{"auth", authSection(oldCfg.Auth), authSection(newCfg.Auth)},
		{"cache", cacheSection(oldCfg.Cache), cacheSection(newCfg.Cache)},
		{"rateLimit", oldCfg.RateLimit, newCfg.RateLimit},
		{"health", oldCfg.Health, newCfg.Health},
		{"loadBalancer", oldCfg.LoadBalancer, newCfg.LoadBalancer},
	}

	var changed []string
	for _, s := range sections {
		if configSectionChanged(s.before, s.after) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

// authSection drops the hot-reloaded MFA window. The secret is excluded
// from JSON, so it is compared explicitly.
func authSection(a config.AuthConfig) any {
	return struct {
		Secret    string
		ClockSkew config.Duration
		Breaker   config.BreakerConfig
	}{a.JWTSecret, a.ClockSkew, a.Breaker}
}

// cacheSection drops the hot-reloaded TTLs.
func cacheSection(c config.CacheConfig) any {
	return struct {
		Enabled        bool
		HealthInterval config.Duration
	}{c.Enabled, c.HealthInterval}
}

// configSectionHash computes a SHA-256 hash of a configuration section.
func configSectionHash(v any) ([sha256.Size]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return [sha256.Size]byte{}, false
	}
	return sha256.Sum256(data), true
}

// configSectionChanged compares two configuration sections by hash, falling
// back to reflect.DeepEqual when a section cannot be marshaled.
func configSectionChanged(oldSection, newSection any) bool {
	oldHash, oldOK := configSectionHash(oldSection)
	newHash, newOK := configSectionHash(newSection)
	if oldOK && newOK {
		return oldHash != newHash
	}
	return !reflect.DeepEqual(oldSection, newSection)
}
