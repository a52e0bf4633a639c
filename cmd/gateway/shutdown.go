package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/propgw/internal/config"
	"github.com/vyrodovalexey/propgw/internal/observability"
)

// defaultShutdownTimeout bounds the drain when the config leaves it unset.
const defaultShutdownTimeout = 15 * time.Second

// runGateway runs the gateway and handles shutdown.
func runGateway(app *application, configPath string, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.start(ctx); err != nil {
		app.close(context.Background())
		fatalWithSync(logger, "failed to start gateway", observability.Error(err))
		return
	}
	logger.Info("gateway started",
		observability.String("address", app.server.Addr().String()),
		observability.String("strategy", string(app.balancer.Strategy())),
		observability.Bool("rate_limit", app.limits != nil),
		observability.Bool("cache", app.cache.Enabled()),
	)

	watcher := startConfigWatcher(ctx, app, configPath, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	cancel()
	shutdown(app, watcher, logger)
}

// shutdown drains the server and releases every component.
func shutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	timeout := app.config.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warn("failed to stop config watcher", observability.Error(err))
		}
		app.reloadMetrics.watcherStatus.Set(0)
	}

	// stop accepting requests first; the stores stay up while in-flight
	// requests drain
	if err := app.server.Stop(ctx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	app.close(ctx)
	logger.Info("gateway stopped")
}
