package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/propgw/internal/backend"
	"github.com/vyrodovalexey/propgw/internal/observability"
)

// DefaultTimeout bounds one upstream call.
const DefaultTimeout = 30 * time.Second

// UsageRecorder receives the outcome of every upstream call.
type UsageRecorder interface {
	RecordUsage(service, instanceID string, responseTime time.Duration, hadError bool)
}

// Request is an outbound call, already rewritten and carrying its final
// header set.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is a fully read backend response with sanitized headers.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Executor forwards requests to backend instances.
type Executor struct {
	client   *http.Client
	recorder UsageRecorder
	timeout  time.Duration
	logger   observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	now      func() time.Time
}

// ExecutorOption is a functional option for configuring the executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger for the executor.
func WithLogger(logger observability.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithMetrics sets the gateway metrics.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithTracer sets the tracer used for upstream spans.
func WithTracer(t *observability.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = t
	}
}

// WithTransport sets the transport for upstream calls.
func WithTransport(transport http.RoundTripper) ExecutorOption {
	return func(e *Executor) {
		e.client = &http.Client{Transport: transport, CheckRedirect: noRedirect}
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// noRedirect hands redirects back to the client untouched.
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// DefaultTransport returns the pooled transport used for upstream calls.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// NewExecutor creates an executor. recorder may be nil.
func NewExecutor(recorder UsageRecorder, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:   &http.Client{Transport: DefaultTransport(), CheckRedirect: noRedirect},
		recorder: recorder,
		timeout:  DefaultTimeout,
		logger:   observability.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Forward sends req to inst and reads the whole response. Backend statuses
// are returned as-is; only transport failures produce an *Error. Usage is
// recorded for every call, with 5xx and transport failures counted as errors.
func (e *Executor) Forward(
	ctx context.Context, service string, inst *backend.Instance, req *Request,
) (*Response, error) {
	inst.Acquire()
	defer inst.Release()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	target := *inst.URL
	target.Path = joinPath(inst.URL.Path, req.Path)
	target.RawPath = ""
	target.RawQuery = req.RawQuery
	targetURL := target.String()

	ctx, span := e.tracer.StartSpan(ctx, "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", targetURL),
			attribute.String("gateway.service", service),
			attribute.String("gateway.instance", inst.ID),
		),
	)
	defer span.End()

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, body)
	if err != nil {
		return nil, e.fail(span, service, inst, targetURL, "build_request", ErrorTypeBadRequest,
			fmt.Errorf("%w: %w", ErrInvalidRequest, err), -1)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	observability.InjectTraceContext(ctx, httpReq.Header)

	start := e.now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		errType, sentinel := classify(ctx, err)
		return nil, e.fail(span, service, inst, targetURL, "round_trip", errType,
			fmt.Errorf("%w: %w", sentinel, err), e.now().Sub(start))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	elapsed := e.now().Sub(start)
	if err != nil {
		errType, sentinel := classify(ctx, err)
		if errType == ErrorTypeConnection {
			errType = ErrorTypeReadBody
		}
		return nil, e.fail(span, service, inst, targetURL, "read_body", errType,
			fmt.Errorf("%w: %w", sentinel, err), elapsed)
	}

	hadError := resp.StatusCode >= http.StatusInternalServerError
	if e.recorder != nil {
		e.recorder.RecordUsage(service, inst.ID, elapsed, hadError)
	}
	e.metrics.RecordBackendResponse(service, elapsed)
	getProxyMetrics().upstreamDuration.
		WithLabelValues(service, inst.ID, statusClass(resp.StatusCode)).
		Observe(elapsed.Seconds())

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if hadError {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}

	header := resp.Header.Clone()
	SanitizeResponseHeaders(header)

	e.logger.Debug("upstream call completed",
		observability.String("service", service),
		observability.String("instance", inst.ID),
		observability.Int("status", resp.StatusCode),
		observability.Duration("duration", elapsed),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
		Duration:   elapsed,
	}, nil
}

// fail records a failed call and builds its error. A negative elapsed
// records the failure without a timing sample.
func (e *Executor) fail(
	span trace.Span,
	service string,
	inst *backend.Instance,
	target, op, errType string,
	cause error,
	elapsed time.Duration,
) *Error {
	if e.recorder != nil {
		e.recorder.RecordUsage(service, inst.ID, elapsed, true)
	}
	e.metrics.RecordProxyError(service, errType)
	getProxyMetrics().upstreamErrors.WithLabelValues(service, inst.ID, errType).Inc()

	span.RecordError(cause)
	span.SetStatus(codes.Error, errType)

	e.logger.Warn("upstream call failed",
		observability.String("service", service),
		observability.String("instance", inst.ID),
		observability.String("target", target),
		observability.String("error_type", errType),
		observability.Error(cause),
	)

	return &Error{
		Op:       op,
		Service:  service,
		Instance: inst.ID,
		Target:   target,
		Type:     errType,
		Cause:    cause,
	}
}
