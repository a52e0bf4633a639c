package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/propgw/internal/apierror"
	"github.com/vyrodovalexey/propgw/internal/auth"
	"github.com/vyrodovalexey/propgw/internal/backend"
	"github.com/vyrodovalexey/propgw/internal/cache"
	"github.com/vyrodovalexey/propgw/internal/middleware"
	"github.com/vyrodovalexey/propgw/internal/observability"
	"github.com/vyrodovalexey/propgw/internal/proxy"
	"github.com/vyrodovalexey/propgw/internal/ratelimit"
)

// DefaultClientMaxAge is the client cache lifetime of uncached GET routes.
const DefaultClientMaxAge = 5 * time.Minute

// unmatchedRoute labels metrics for requests no route claimed.
const unmatchedRoute = "unmatched"

// Authenticator resolves a bearer credential into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*auth.Identity, error)
}

// Limiter counts requests against named rate limit categories.
type Limiter interface {
	Allow(ctx context.Context, category string, subj ratelimit.Subject) (*ratelimit.Result, error)
	Refund(ctx context.Context, res *ratelimit.Result) error
	SkipSuccessful(category string) bool
	Has(category string) bool
}

// InstanceSelector picks a healthy instance of a service.
type InstanceSelector interface {
	Select(service string) (*backend.Instance, error)
}

// Forwarder sends a request to a backend instance.
type Forwarder interface {
	Forward(ctx context.Context, service string, inst *backend.Instance, req *proxy.Request) (*proxy.Response, error)
}

// Config holds the pipeline settings.
type Config struct {
	// Production hides internal error details from clients.
	Production bool
	// Version is sent to backends in X-Gateway-Version.
	Version      string
	MaxBodyBytes int64
	// ClientMaxAge is the Cache-Control max-age for GET responses on routes
	// without response caching.
	ClientMaxAge time.Duration

	RateLimitEnabled bool
	// GlobalRateLimit is applied to every routed request when configured.
	GlobalRateLimit string
	// UploadRateLimit is added for multipart writes when configured.
	UploadRateLimit string
}

// Dependencies are the components the stages call into. Auth, Limiter and
// Cache may be nil.
type Dependencies struct {
	Auth      Authenticator
	Limiter   Limiter
	Cache     *cache.Layer
	Selector  InstanceSelector
	Forwarder Forwarder
}

// Pipeline runs every proxied request through an ordered list of stages.
type Pipeline struct {
	config Config
	deps   Dependencies
	routes atomic.Pointer[RouteTable]
	stages []Stage

	logger   observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	clientIP *middleware.ClientIPExtractor
	now      func() time.Time
}

// Option is a functional option for configuring the pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the gateway metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithTracer sets the tracer for request spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// WithClientIPExtractor sets the extractor used when no upstream
// middleware stored the client IP.
func WithClientIPExtractor(e *middleware.ClientIPExtractor) Option {
	return func(p *Pipeline) {
		p.clientIP = e
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline creates a pipeline over routes.
func NewPipeline(cfg Config, routes *RouteTable, deps Dependencies, opts ...Option) (*Pipeline, error) {
	if routes == nil {
		return nil, errors.New("route table is required")
	}
	if deps.Selector == nil || deps.Forwarder == nil {
		return nil, errors.New("instance selector and forwarder are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = middleware.DefaultMaxBodyBytes
	}
	if cfg.ClientMaxAge == 0 {
		cfg.ClientMaxAge = DefaultClientMaxAge
	}

	p := &Pipeline{
		config:   cfg,
		deps:     deps,
		logger:   observability.NopLogger(),
		clientIP: middleware.NewClientIPExtractor(true, nil),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.routes.Store(routes)

	p.stages = []Stage{
		{Name: "correlation", Run: p.correlate},
		{Name: "client", Run: p.identifyClient},
		{Name: "route", Run: p.matchRoute},
		{Name: "auth", Run: p.authenticate},
		{Name: "ratelimit", Run: p.limit},
		{Name: "validate", Run: p.validate},
		{Name: "cache_lookup", Run: p.lookupCache},
		{Name: "transform", Run: p.transformRequest},
		{Name: "select", Run: p.selectInstance},
		{Name: "forward", Run: p.forward},
		{Name: "response_transform", Run: p.transformResponse},
		{Name: "cache_store", Run: p.storeCache},
	}
	return p, nil
}

// SetRoutes swaps the route table. In-flight requests keep the table they
// matched against.
func (p *Pipeline) SetRoutes(routes *RouteTable) {
	if routes != nil {
		p.routes.Store(routes)
	}
}

// Routes returns the current route table.
func (p *Pipeline) Routes() *RouteTable {
	return p.routes.Load()
}

// StageNames returns the stage names in execution order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := observability.ExtractTraceContext(r.Context(), r.Header)
	ctx, span := p.tracer.StartSpan(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		),
	)
	defer span.End()

	rc := newRequestContext(ctx, r, p.now())
	p.run(rc)
	p.finish(w, rc, span)
}

// run executes stages until one responds or fails.
func (p *Pipeline) run(rc *RequestContext) {
	for _, stage := range p.stages {
		out := stage.Run(rc)
		if !out.Done() {
			continue
		}

		switch out.kind {
		case outcomeRespond:
			rc.Response = out.resp
		case outcomeFail:
			rc.Err = apierror.From(out.err)
		}
		p.logger.Debug("pipeline stopped",
			observability.String("stage", stage.Name),
			observability.String("correlation_id", rc.CorrelationID),
			observability.Int("status", rc.Status()),
		)
		return
	}

	if rc.Response == nil && rc.Err == nil {
		rc.Err = apierror.New(apierror.KindInternal, "Request produced no response")
	}
}

// finish writes the response and runs the per-request bookkeeping that
// applies to every outcome.
func (p *Pipeline) finish(w http.ResponseWriter, rc *RequestContext, span trace.Span) {
	status := rc.Status()
	p.refund(rc, status)

	h := w.Header()
	if rc.CorrelationID != "" {
		h.Set(middleware.HeaderCorrelationID, rc.CorrelationID)
	}
	if rc.RateLimit != nil {
		rc.RateLimit.ApplyHeaders(h)
	}

	var written int64
	if rc.Err != nil {
		body := apierror.Marshal(rc.Err, rc.requestInfo(), p.config.Production)
		for k, vs := range rc.Err.Header {
			for _, v := range vs {
				h.Add(k, v)
			}
		}
		h.Set(middleware.HeaderContentType, "application/json; charset=utf-8")
		w.WriteHeader(status)
		n, _ := w.Write(body)
		written = int64(n)
	} else {
		for k, vs := range rc.Response.Header {
			h[k] = vs
		}
		w.WriteHeader(status)
		if rc.Request.Method != http.MethodHead {
			n, _ := w.Write(rc.Response.Body)
			written = int64(n)
		}
	}

	duration := p.now().Sub(rc.StartedAt)
	routeLabel := unmatchedRoute
	if rc.Route != nil {
		routeLabel = rc.Route.Name
	}

	span.SetAttributes(
		attribute.Int("http.response.status_code", status),
		attribute.String("gateway.route", routeLabel),
	)
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}

	p.metrics.RecordRequest(rc.Request.Method, routeLabel, rc.ServiceName(), status, duration,
		int64(len(rc.Body)), written)
	p.accessLog(rc, status, duration)
}

// refund returns skip-successful hits once the request has succeeded.
func (p *Pipeline) refund(rc *RequestContext, status int) {
	if p.deps.Limiter == nil || status >= http.StatusBadRequest {
		return
	}
	for _, res := range rc.RateLimits {
		if !p.deps.Limiter.SkipSuccessful(res.Category) {
			continue
		}
		if err := p.deps.Limiter.Refund(rc.Context(), res); err != nil {
			p.logger.Warn("rate limit refund failed",
				observability.String("category", res.Category),
				observability.String("correlation_id", rc.CorrelationID),
				observability.Error(err),
			)
		}
	}
}

func (p *Pipeline) accessLog(rc *RequestContext, status int, duration time.Duration) {
	fields := []observability.Field{
		observability.String("method", rc.Request.Method),
		observability.String("path", rc.Request.URL.Path),
		observability.Int("status", status),
		observability.Duration("duration", duration),
		observability.String("correlation_id", rc.CorrelationID),
		observability.String("client_ip", rc.ClientIP),
	}
	if id := rc.UserID(); id != "" {
		fields = append(fields, observability.String("user_id", id))
	}
	if rc.CacheStatus != "" {
		fields = append(fields, observability.String("cache", rc.CacheStatus))
	}
	if rc.Instance != nil {
		fields = append(fields, observability.String("instance", rc.Instance.ID))
	}
	if rc.Err != nil && rc.Err.Cause != nil {
		fields = append(fields, observability.Error(rc.Err.Cause))
	}

	switch {
	case status >= http.StatusInternalServerError:
		p.logger.Error("request completed", fields...)
	case status >= http.StatusBadRequest:
		p.logger.Warn("request completed", fields...)
	default:
		p.logger.Info("request completed", fields...)
	}
}
