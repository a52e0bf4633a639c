package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/propgw/internal/observability"
)

func newTestWatcher(t *testing.T, path string, cb ReloadCallback, errCb ErrorCallback) *Watcher {
	t.Helper()

	w, err := NewWatcher(path, cb,
		WithDebounceDelay(20*time.Millisecond),
		WithLogger(observability.NopLogger()),
		WithErrorCallback(errCb),
		WithLoader(NewLoaderWithLookup(lookupFrom(map[string]string{"JWT_SECRET": testSecret}))),
	)
	require.NoError(t, err)
	return w
}

func TestNewWatcher_Defaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, path, w.path)
	assert.Equal(t, DefaultDebounceDelay, w.debounceDelay)
	assert.Nil(t, w.LastConfig())
}

func TestWatcher_Start_InvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "server:\n  port: -1\n")
	w := newTestWatcher(t, path, nil, nil)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Error(t, w.Start(context.Background()))
	assert.Nil(t, w.LastConfig())
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "logging:\n  level: info\n")

	var reloaded atomic.Pointer[Config]
	var failures atomic.Int32
	w := newTestWatcher(t, path,
		func(cfg *Config) { reloaded.Store(cfg) },
		func(error) { failures.Add(1) },
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, "info", w.LastConfig().Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))
	require.Eventually(t, func() bool {
		cfg := reloaded.Load()
		return cfg != nil && cfg.Logging.Level == "debug"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", w.LastConfig().Logging.Level)

	// an invalid edit is rejected and the previous config stays
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600))
	require.Eventually(t, func() bool { return failures.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", w.LastConfig().Logging.Level)
}

func TestWatcher_ForceReload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "logging:\n  level: warn\n")

	calls := 0
	w := newTestWatcher(t, path, func(*Config) { calls++ }, nil)
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, w.ForceReload())
	assert.Equal(t, 1, calls)
	assert.Equal(t, "warn", w.LastConfig().Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o600))
	assert.Error(t, w.ForceReload())
	assert.Equal(t, 1, calls)
	assert.Equal(t, "warn", w.LastConfig().Logging.Level)
}
