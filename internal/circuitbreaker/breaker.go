package circuitbreaker

import (
	"errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrOpen is returned when the circuit rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of the circuit breaker.
type State = gobreaker.State

// Circuit breaker states.
const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// CircuitBreaker wraps gobreaker.CircuitBreaker with logging and metrics.
type CircuitBreaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// New creates a circuit breaker that opens after cfg.MaxFailures
// consecutive failures. A nil logger is replaced by a no-op logger.
func New(name string, cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	b := &CircuitBreaker{
		name:   name,
		logger: logger,
	}

	maxFailures := safeIntToUint32(cfg.MaxFailures)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: safeIntToUint32(cfg.HalfOpenMax),
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.logger.Warn("circuit breaker opened",
					zap.String("name", name),
					zap.String("from", from.String()))
			} else {
				b.logger.Info("circuit breaker state change",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}
			CircuitBreakerStateChangesTotal.WithLabelValues(name, from.String(), to.String()).Inc()
			CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
		IsSuccessful: cfg.IsSuccessful,
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	CircuitBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return b
}

// Execute runs fn if the circuit allows it. Rejections return an error
// wrapping ErrOpen.
func (b *CircuitBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		CircuitBreakerRejectedTotal.WithLabelValues(b.name).Inc()
		return errors.Join(ErrOpen, err)
	}
	return err
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	return b.cb.State()
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
