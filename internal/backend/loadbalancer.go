package backend

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoHealthyInstance is returned when a service has no selectable instance.
var ErrNoHealthyInstance = errors.New("no healthy instance available")

// Strategy names a selection algorithm.
type Strategy string

// Supported strategies.
const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyResponseTime       Strategy = "response_time"
)

// ParseStrategy validates a strategy name. Empty selects round robin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyRoundRobin, nil
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeightedRoundRobin, StrategyResponseTime:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// Selector picks one instance out of a non-empty healthy subset.
type Selector interface {
	Select(service string, healthy []*Instance) *Instance
}

// Balancer selects healthy instances for a service and collects usage
// statistics reported by the proxy executor.
type Balancer struct {
	registry *Registry
	selector Selector
	strategy Strategy
}

// BalancerOption is a functional option for the balancer.
type BalancerOption func(*balancerOptions)

type balancerOptions struct {
	randIntn func(n int) int
}

// WithRandomSource overrides the random source used by weighted selection.
func WithRandomSource(fn func(n int) int) BalancerOption {
	return func(o *balancerOptions) {
		o.randIntn = fn
	}
}

// NewBalancer creates a balancer with the given strategy.
func NewBalancer(registry *Registry, strategy Strategy, opts ...BalancerOption) (*Balancer, error) {
	o := &balancerOptions{randIntn: secureRandomInt}
	for _, opt := range opts {
		opt(o)
	}

	var sel Selector
	switch strategy {
	case StrategyRoundRobin, "":
		strategy = StrategyRoundRobin
		sel = &RoundRobin{}
	case StrategyLeastConnections:
		sel = LeastConnections{}
	case StrategyWeightedRoundRobin:
		sel = WeightedRoundRobin{randIntn: o.randIntn}
	case StrategyResponseTime:
		sel = ResponseTime{}
	default:
		return nil, fmt.Errorf("unknown load balancing strategy %q", strategy)
	}

	return &Balancer{registry: registry, selector: sel, strategy: strategy}, nil
}

// Strategy returns the configured strategy.
func (b *Balancer) Strategy() Strategy {
	return b.strategy
}

// Select returns one healthy instance of the named service. The healthy
// subset is recomputed on every call; an unhealthy instance is never returned.
func (b *Balancer) Select(service string) (*Instance, error) {
	svc, ok := b.registry.Service(service)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}

	healthy := make([]*Instance, 0, len(svc.Instances))
	for _, inst := range svc.Instances {
		if inst.Healthy() {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyInstance, service)
	}

	inst := b.selector.Select(service, healthy)
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyInstance, service)
	}
	return inst, nil
}

// RecordUsage feeds one completed or failed call back into the instance stats.
// A negative responseTime records the outcome without a timing sample.
func (b *Balancer) RecordUsage(service, instanceID string, responseTime time.Duration, hadError bool) {
	inst, ok := b.registry.Instance(service, instanceID)
	if !ok {
		return
	}
	inst.recordUsage(responseTime, hadError)
}

// RoundRobin cycles through the current healthy subset with one atomic
// cursor per service.
type RoundRobin struct {
	cursors sync.Map // service -> *atomic.Uint64
}

// Select implements Selector.
func (rr *RoundRobin) Select(service string, healthy []*Instance) *Instance {
	v, _ := rr.cursors.LoadOrStore(service, new(atomic.Uint64))
	idx := v.(*atomic.Uint64).Add(1) - 1
	return healthy[idx%uint64(len(healthy))]
}

// LeastConnections picks the instance with the fewest in-flight calls.
type LeastConnections struct{}

// Select implements Selector.
func (LeastConnections) Select(_ string, healthy []*Instance) *Instance {
	var best *Instance
	minConns := int64(-1)
	for _, inst := range healthy {
		conns := inst.Connections()
		if minConns == -1 || conns < minConns {
			minConns = conns
			best = inst
		}
	}
	return best
}

// WeightedRoundRobin picks an instance with probability proportional to its weight.
type WeightedRoundRobin struct {
	randIntn func(n int) int
}

// Select implements Selector.
func (w WeightedRoundRobin) Select(_ string, healthy []*Instance) *Instance {
	total := 0
	for _, inst := range healthy {
		total += inst.Weight
	}
	if total <= 0 {
		return healthy[0]
	}

	r := w.randIntn(total)
	cumulative := 0
	for _, inst := range healthy {
		cumulative += inst.Weight
		if r < cumulative {
			return inst
		}
	}
	return healthy[len(healthy)-1]
}

// ResponseTime picks the instance with the lowest mean response time,
// breaking ties by error rate.
type ResponseTime struct{}

// Select implements Selector.
func (ResponseTime) Select(_ string, healthy []*Instance) *Instance {
	best := healthy[0]
	bestRT := best.ResponseTime()
	bestErr := best.ErrorRate()
	for _, inst := range healthy[1:] {
		rt := inst.ResponseTime()
		er := inst.ErrorRate()
		if rt < bestRT || (rt == bestRT && er < bestErr) {
			best, bestRT, bestErr = inst, rt, er
		}
	}
	return best
}

// secureRandomInt returns a uniform random int in [0, n) from crypto/rand.
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(b[:]) % uint64(n))
}
