package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for proxy operations.
var (
	// ErrUpstreamTimeout indicates that the upstream request timed out.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates that the upstream could not be reached
	// or its response could not be read.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidRequest indicates that the outbound request could not be built.
	ErrInvalidRequest = errors.New("invalid upstream request")
)

// Error types reported in metrics.
const (
	ErrorTypeTimeout    = "timeout"
	ErrorTypeConnection = "connection"
	ErrorTypeReadBody   = "read_body"
	ErrorTypeBadRequest = "bad_request"
	ErrorTypeClientGone = "client_cancelled"
)

// Error represents a failed forward with details.
type Error struct {
	Op       string // Operation that failed
	Service  string // Backend service name
	Instance string // Instance ID
	Target   string // Target URL
	Type     string // One of the ErrorType constants
	Cause    error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("proxy error [%s] service=%s instance=%s target=%s: %v",
			e.Op, e.Service, e.Instance, e.Target, e.Cause)
	}
	return fmt.Sprintf("proxy error [%s] service=%s instance=%s target=%s",
		e.Op, e.Service, e.Instance, e.Target)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the forward failed because the deadline expired.
func (e *Error) Timeout() bool {
	return e.Type == ErrorTypeTimeout
}

// classify maps a transport error to a proxy error type and sentinel.
func classify(ctx context.Context, err error) (string, error) {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout, ErrUpstreamTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrorTypeTimeout, ErrUpstreamTimeout
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return ErrorTypeClientGone, ErrUpstreamUnavailable
	default:
		return ErrorTypeConnection, ErrUpstreamUnavailable
	}
}

// IsProxyError checks if an error is a proxy Error.
func IsProxyError(err error) bool {
	var proxyErr *Error
	return errors.As(err, &proxyErr)
}
