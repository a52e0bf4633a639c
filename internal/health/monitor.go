package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vyrodovalexey/propgw/internal/backend"
	"github.com/vyrodovalexey/propgw/internal/observability"
)

// Probe defaults.
const (
	DefaultInterval          = 30 * time.Second
	DefaultTimeout           = 5 * time.Second
	DefaultDegradedThreshold = 3 * time.Second
	DefaultFailureThreshold  = 1

	userAgent = "propgw-health-check/1.0"
)

// Probe failure reasons.
const (
	ReasonConnectionRefused = "connection refused"
	ReasonTimeout           = "request timeout"
	ReasonNoResponse        = "no response received"
	ReasonSlow              = "slow response time"
)

// Config configures the monitor.
type Config struct {
	Interval          time.Duration
	Timeout           time.Duration
	DegradedThreshold time.Duration
	// FailureThreshold is the number of consecutive failed probes before an
	// instance is excluded. 1 excludes it on the first failure.
	FailureThreshold int
}

// Monitor periodically probes every registered instance.
type Monitor struct {
	registry *backend.Registry
	config   Config
	client   *http.Client
	logger   observability.Logger
	metrics  *observability.Metrics
	version  string
	started  time.Time

	snapshot atomic.Pointer[Snapshot]

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for the monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithHTTPClient overrides the probe client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) {
		m.client = client
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(version string) Option {
	return func(m *Monitor) {
		m.version = version
	}
}

// NewMonitor creates a monitor. The initial snapshot reflects the current
// instance state so /health answers before the first cycle completes.
func NewMonitor(registry *backend.Registry, cfg Config, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = DefaultDegradedThreshold
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}

	m := &Monitor{
		registry: registry,
		config:   cfg,
		client:   &http.Client{},
		logger:   observability.NopLogger(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publish()
	return m
}

// Start runs an immediate probe cycle and then one per interval until Stop
// is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the probe loop and waits for the current cycle to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, stoppedCh := m.stopCh, m.stoppedCh
	m.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.ProbeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every instance of every service concurrently, applies the
// results and publishes a fresh snapshot.
func (m *Monitor) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, svc := range m.registry.Services() {
		for _, inst := range svc.Instances {
			wg.Add(1)
			go func(svc *backend.Service, inst *backend.Instance) {
				defer wg.Done()
				m.probeInstance(ctx, svc, inst)
			}(svc, inst)
		}
	}
	wg.Wait()
	m.publish()
}

func (m *Monitor) probeInstance(ctx context.Context, svc *backend.Service, inst *backend.Instance) {
	if ctx.Err() != nil {
		return
	}

	res := m.probe(ctx, inst.URL.String()+svc.HealthPath)
	before := inst.Status()
	after := inst.RecordProbe(res, m.config.FailureThreshold)

	m.metrics.SetInstanceHealth(svc.Name, inst.ID, FromBackend(after).Score())

	if before != after {
		fields := []observability.Field{
			observability.String("service", svc.Name),
			observability.String("instance", inst.ID),
			observability.String("from", before.String()),
			observability.String("to", after.String()),
			observability.Duration("latency", res.Latency),
		}
		if res.Reason != "" {
			fields = append(fields, observability.String("reason", res.Reason))
		}
		if after == backend.StatusHealthy {
			m.logger.Info("instance health changed", fields...)
		} else {
			m.logger.Warn("instance health changed", fields...)
		}
	}
}

// probe issues one bounded health request and classifies the outcome.
func (m *Monitor) probe(ctx context.Context, target string) backend.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	start := time.Now()
	res := backend.ProbeResult{CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		res.Status = backend.StatusUnhealthy
		res.Reason = err.Error()
		return res
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Status = backend.StatusUnhealthy
		res.Reason = classifyError(err)
		return res
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		res.Status = backend.StatusUnhealthy
		res.Reason = fmt.Sprintf("HTTP %d", resp.StatusCode)
	case res.Latency > m.config.DegradedThreshold:
		res.Status = backend.StatusDegraded
		res.Reason = ReasonSlow
	default:
		res.Status = backend.StatusHealthy
	}
	return res
}

func classifyError(err error) string {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ReasonConnectionRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonNoResponse
}

// publish recomputes and stores the aggregate snapshot.
func (m *Monitor) publish() {
	snap := buildSnapshot(m.registry.Services(), time.Now())
	snap.Version = m.version
	snap.Uptime = time.Since(m.started).Round(time.Second).String()
	m.snapshot.Store(snap)

	for name, ss := range snap.Services {
		m.metrics.SetServiceHealth(name, ss.Status.Score())
	}
}

// Overall returns the last published aggregate across all services.
func (m *Monitor) Overall() *Snapshot {
	return m.snapshot.Load()
}

// Snapshot returns the last published aggregate of one service.
func (m *Monitor) Snapshot(service string) (ServiceSnapshot, bool) {
	ss, ok := m.snapshot.Load().Services[service]
	return ss, ok
}

// Refresh republishes the snapshot from current instance state without
// probing. Used after the registry is replaced.
func (m *Monitor) Refresh() {
	m.publish()
}
