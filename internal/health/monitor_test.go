package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/propgw/internal/backend"
	"github.com/vyrodovalexey/propgw/internal/observability"
)

func statusServer(t *testing.T, code *atomic.Int32, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(int(code.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fixedCode(c int) *atomic.Int32 {
	v := &atomic.Int32{}
	v.Store(int32(c))
	return v
}

func registryFor(t *testing.T, urls ...string) *backend.Registry {
	t.Helper()
	instances := make([]backend.InstanceDescriptor, len(urls))
	for i, u := range urls {
		instances[i] = backend.InstanceDescriptor{URL: u}
	}
	reg, err := backend.NewRegistry([]backend.ServiceDescriptor{{
		Name:       "svc",
		HealthPath: "/health",
		Instances:  instances,
	}}, 10)
	require.NoError(t, err)
	return reg
}

func testConfig() Config {
	return Config{
		Interval:          time.Hour,
		Timeout:           200 * time.Millisecond,
		DegradedThreshold: 50 * time.Millisecond,
	}
}

func TestMonitor_ProbeClassification(t *testing.T) {
	t.Parallel()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name       string
		url        func(t *testing.T) string
		wantStatus backend.Status
		wantReason string
	}{
		{
			name:       "2xx fast is healthy",
			url:        func(t *testing.T) string { return statusServer(t, fixedCode(200), 0).URL },
			wantStatus: backend.StatusHealthy,
		},
		{
			name:       "non-2xx is unhealthy",
			url:        func(t *testing.T) string { return statusServer(t, fixedCode(503), 0).URL },
			wantStatus: backend.StatusUnhealthy,
			wantReason: "HTTP 503",
		},
		{
			name:       "slow 2xx is degraded",
			url:        func(t *testing.T) string { return statusServer(t, fixedCode(204), 100*time.Millisecond).URL },
			wantStatus: backend.StatusDegraded,
			wantReason: ReasonSlow,
		},
		{
			name:       "timeout is unhealthy",
			url:        func(t *testing.T) string { return statusServer(t, fixedCode(200), time.Second).URL },
			wantStatus: backend.StatusUnhealthy,
			wantReason: ReasonTimeout,
		},
		{
			name:       "refused connection is unhealthy",
			url:        func(*testing.T) string { return closedURL },
			wantStatus: backend.StatusUnhealthy,
			wantReason: ReasonConnectionRefused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := registryFor(t, tt.url(t))
			m := NewMonitor(reg, testConfig())
			m.ProbeAll(context.Background())

			inst, _ := reg.Instance("svc", "svc-1")
			assert.Equal(t, tt.wantStatus, inst.Status())
			require.NotNil(t, inst.LastProbe())
			assert.Equal(t, tt.wantReason, inst.LastProbe().Reason)
		})
	}
}

func TestMonitor_FailedProbeExcludesUntilNextSuccess(t *testing.T) {
	t.Parallel()

	code := fixedCode(200)
	flaky := statusServer(t, code, 0)
	stable := statusServer(t, fixedCode(200), 0)

	reg := registryFor(t, flaky.URL, stable.URL)
	lb, err := backend.NewBalancer(reg, backend.StrategyRoundRobin)
	require.NoError(t, err)
	m := NewMonitor(reg, testConfig())

	m.ProbeAll(context.Background())
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		inst, err := lb.Select("svc")
		require.NoError(t, err)
		seen[inst.ID] = true
	}
	assert.Len(t, seen, 2)

	code.Store(http.StatusInternalServerError)
	m.ProbeAll(context.Background())
	for i := 0; i < 10; i++ {
		inst, err := lb.Select("svc")
		require.NoError(t, err)
		assert.Equal(t, "svc-2", inst.ID)
	}

	code.Store(http.StatusOK)
	m.ProbeAll(context.Background())
	seen = map[string]bool{}
	for i := 0; i < 4; i++ {
		inst, err := lb.Select("svc")
		require.NoError(t, err)
		seen[inst.ID] = true
	}
	assert.True(t, seen["svc-1"])
}

func TestMonitor_FailureThreshold(t *testing.T) {
	t.Parallel()

	srv := statusServer(t, fixedCode(500), 0)
	reg := registryFor(t, srv.URL)
	cfg := testConfig()
	cfg.FailureThreshold = 2
	m := NewMonitor(reg, cfg)

	inst, _ := reg.Instance("svc", "svc-1")
	m.ProbeAll(context.Background())
	assert.True(t, inst.Healthy())
	m.ProbeAll(context.Background())
	assert.False(t, inst.Healthy())
}

func TestMonitor_SnapshotsAndMetrics(t *testing.T) {
	t.Parallel()

	good := statusServer(t, fixedCode(200), 0)
	slow := statusServer(t, fixedCode(200), 100*time.Millisecond)
	bad := statusServer(t, fixedCode(500), 0)

	reg, err := backend.NewRegistry([]backend.ServiceDescriptor{
		{Name: "fast", Instances: []backend.InstanceDescriptor{{URL: good.URL}}},
		{Name: "mixed", Instances: []backend.InstanceDescriptor{{URL: good.URL}, {URL: slow.URL}}},
		{Name: "down", Instances: []backend.InstanceDescriptor{{URL: good.URL}, {URL: bad.URL}}},
	}, 10)
	require.NoError(t, err)

	metrics := observability.NewMetrics("test")
	m := NewMonitor(reg, testConfig(), WithMetrics(metrics), WithVersion("1.2.3"))

	assert.Equal(t, StatusHealthy, m.Overall().Status, "initial snapshot")

	m.ProbeAll(context.Background())

	fast, ok := m.Snapshot("fast")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, fast.Status)

	mixed, _ := m.Snapshot("mixed")
	assert.Equal(t, StatusDegraded, mixed.Status)
	assert.Equal(t, Counts{Total: 2, Healthy: 1, Degraded: 1}, mixed.Counts)

	down, _ := m.Snapshot("down")
	assert.Equal(t, StatusUnhealthy, down.Status)
	assert.Equal(t, 1, down.Counts.Unhealthy)

	_, ok = m.Snapshot("missing")
	assert.False(t, ok)

	overall := m.Overall()
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.Equal(t, Counts{Total: 5, Healthy: 3, Degraded: 1, Unhealthy: 1}, overall.Counts)
	assert.Equal(t, []string{"down", "fast", "mixed"}, overall.ServiceNames())
	assert.Equal(t, "1.2.3", overall.Version)

	assert.InDelta(t, 0.5, gaugeValue(t, metrics.Registry(), "test_service_health_status", "mixed"), 0.001)
	assert.InDelta(t, 0.0, gaugeValue(t, metrics.Registry(), "test_service_health_status", "down"), 0.001)
}

func gaugeValue(t *testing.T, g prometheus.Gatherer, name, labelValue string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelMatches(metric, labelValue) {
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, labelValue)
	return 0
}

func labelMatches(metric *dto.Metric, value string) bool {
	for _, lp := range metric.GetLabel() {
		if lp.GetValue() == value {
			return true
		}
	}
	return false
}

func TestMonitor_Handler(t *testing.T) {
	t.Parallel()

	code := fixedCode(200)
	srv := statusServer(t, code, 0)
	m := NewMonitor(registryFor(t, srv.URL), testConfig())

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusHealthy, body.Status)
	assert.Contains(t, body.Services, "svc")

	code.Store(http.StatusBadGateway)
	m.ProbeAll(context.Background())

	rec = httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitor_StartStop(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Interval = 20 * time.Millisecond
	m := NewMonitor(registryFor(t, srv.URL), cfg)

	m.Start(context.Background())
	m.Start(context.Background())
	assert.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
	m.Stop()

	after := hits.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, hits.Load())
}
