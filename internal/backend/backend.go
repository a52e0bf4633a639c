// Package backend holds the service registry, backend instances with their
// live health and usage state, and the load balancer that selects among them.
package backend

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health classification of an instance.
type Status int32

const (
	// StatusUnknown indicates the instance has not been probed yet.
	StatusUnknown Status = iota
	// StatusHealthy indicates the last probe succeeded in time.
	StatusHealthy
	// StatusDegraded indicates the last probe succeeded but was slow.
	StatusDegraded
	// StatusUnhealthy indicates the last probe failed.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// DefaultStatsWindow is the number of response-time samples kept per instance.
const DefaultStatsWindow = 100

// ProbeResult is the outcome of the latest health probe of an instance.
type ProbeResult struct {
	Status    Status
	Latency   time.Duration
	Reason    string
	CheckedAt time.Time
}

// Instance is one running replica of a backend service.
//
// Health fields are written by the health monitor and usage fields by the
// proxy executor. Both are safe for concurrent use without any lock shared
// between instances.
type Instance struct {
	ID     string
	URL    *url.URL
	Weight int

	status      atomic.Int32
	probe       atomic.Pointer[ProbeResult]
	failures    atomic.Int32
	connections atomic.Int64
	lastUsed    atomic.Int64
	total       atomic.Int64
	errors      atomic.Int64

	mu      sync.Mutex
	samples []time.Duration
	next    int
	sum     time.Duration
}

// NewInstance creates an instance. New instances start healthy so traffic can
// flow before the first probe cycle completes.
func NewInstance(id, rawURL string, weight, window int) (*Instance, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("instance %s: invalid url %q: %w", id, rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("instance %s: url %q must be absolute", id, rawURL)
	}
	if weight <= 0 {
		weight = 1
	}
	if window <= 0 {
		window = DefaultStatsWindow
	}
	inst := &Instance{
		ID:      id,
		URL:     u,
		Weight:  weight,
		samples: make([]time.Duration, 0, window),
	}
	inst.status.Store(int32(StatusHealthy))
	return inst, nil
}

// Status returns the current health classification.
func (i *Instance) Status() Status {
	return Status(i.status.Load())
}

// Healthy reports whether the instance is eligible for selection.
func (i *Instance) Healthy() bool {
	return i.Status() == StatusHealthy
}

// SetStatus stores a new health classification.
func (i *Instance) SetStatus(s Status) {
	i.status.Store(int32(s))
}

// RecordProbe stores a probe result and applies it to the health flag.
// A failure only flips the instance to unhealthy once threshold consecutive
// failures have been seen; a success applies immediately.
func (i *Instance) RecordProbe(res ProbeResult, threshold int) Status {
	if threshold < 1 {
		threshold = 1
	}
	i.probe.Store(&res)

	if res.Status != StatusUnhealthy {
		i.failures.Store(0)
		i.SetStatus(res.Status)
		return res.Status
	}

	if int(i.failures.Add(1)) >= threshold {
		i.SetStatus(StatusUnhealthy)
	}
	return i.Status()
}

// LastProbe returns the latest probe result, or nil before the first probe.
func (i *Instance) LastProbe() *ProbeResult {
	return i.probe.Load()
}

// Acquire marks the start of a forwarded call.
func (i *Instance) Acquire() {
	i.connections.Add(1)
	i.lastUsed.Store(time.Now().UnixNano())
}

// Release marks the end of a forwarded call.
func (i *Instance) Release() {
	i.connections.Add(-1)
}

// Connections returns the number of in-flight calls.
func (i *Instance) Connections() int64 {
	return i.connections.Load()
}

// LastUsed returns the time the instance was last handed a call.
func (i *Instance) LastUsed() time.Time {
	n := i.lastUsed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// recordUsage adds one observed call to the rolling statistics.
func (i *Instance) recordUsage(responseTime time.Duration, hadError bool) {
	i.total.Add(1)
	if hadError {
		i.errors.Add(1)
	}
	if responseTime < 0 {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.samples) < cap(i.samples) {
		i.samples = append(i.samples, responseTime)
	} else {
		i.sum -= i.samples[i.next]
		i.samples[i.next] = responseTime
		i.next = (i.next + 1) % len(i.samples)
	}
	i.sum += responseTime
}

// ResponseTime returns the mean of the recent samples. Before any call has
// been observed it falls back to the last probe latency.
func (i *Instance) ResponseTime() time.Duration {
	i.mu.Lock()
	n := len(i.samples)
	sum := i.sum
	i.mu.Unlock()

	if n > 0 {
		return sum / time.Duration(n)
	}
	if p := i.LastProbe(); p != nil {
		return p.Latency
	}
	return 0
}

// ErrorRate returns errors over total observed calls as a percentage.
func (i *Instance) ErrorRate() float64 {
	total := i.total.Load()
	if total == 0 {
		return 0
	}
	return float64(i.errors.Load()) / float64(total) * 100
}

// Requests returns the total number of observed calls.
func (i *Instance) Requests() int64 {
	return i.total.Load()
}
