package gateway

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/propgw/internal/apierror"
	"github.com/vyrodovalexey/propgw/internal/auth"
	"github.com/vyrodovalexey/propgw/internal/cache"
	"github.com/vyrodovalexey/propgw/internal/middleware"
	"github.com/vyrodovalexey/propgw/internal/observability"
	"github.com/vyrodovalexey/propgw/internal/proxy"
	"github.com/vyrodovalexey/propgw/internal/ratelimit"
)

// maxCorrelationIDLength bounds a client-supplied correlation id.
const maxCorrelationIDLength = 128

func (p *Pipeline) correlate(rc *RequestContext) Outcome {
	id := rc.Request.Header.Get(middleware.HeaderCorrelationID)
	if !validCorrelationID(id) {
		id = uuid.NewString()
	}
	rc.CorrelationID = id

	rc.TraceID = id
	if sc := trace.SpanContextFromContext(rc.Context()); sc.HasTraceID() {
		rc.TraceID = sc.TraceID().String()
	}

	ctx := observability.ContextWithCorrelationID(rc.Context(), rc.CorrelationID)
	rc.SetContext(observability.ContextWithTraceID(ctx, rc.TraceID))
	return Continue()
}

func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

func (p *Pipeline) identifyClient(rc *RequestContext) Outcome {
	rc.ClientIP = middleware.ClientIPFromContext(rc.Context())
	if rc.ClientIP == "" {
		rc.ClientIP = p.clientIP.Extract(rc.Request)
	}
	rc.UserAgent = rc.Request.UserAgent()
	rc.AcceptLanguage = rc.Request.Header.Get("Accept-Language")
	return Continue()
}

func (p *Pipeline) matchRoute(rc *RequestContext) Outcome {
	route := p.routes.Load().Match(rc.Request.URL.Path)
	if route == nil {
		return Fail(apierror.New(apierror.KindNotFound,
			fmt.Sprintf("Route %s %s not found", rc.Request.Method, rc.Request.URL.Path)))
	}
	rc.Route = route
	return Continue()
}

func (p *Pipeline) authenticate(rc *RequestContext) Outcome {
	route := rc.Route
	if route.Auth == auth.ModeNone {
		return Continue()
	}

	header := rc.Request.Header.Get("Authorization")
	if route.Auth == auth.ModeOptional && header == "" {
		return p.authorize(rc)
	}
	if p.deps.Auth == nil {
		return Fail(apierror.New(apierror.KindInternal, "Authentication is not configured"))
	}

	id, err := p.deps.Auth.Authenticate(rc.Context(), header)
	if err != nil {
		if route.Auth == auth.ModeOptional {
			p.logger.Debug("optional authentication failed, continuing anonymously",
				observability.String("correlation_id", rc.CorrelationID),
				observability.String("reason", string(auth.ReasonOf(err))),
				observability.Error(err),
			)
			return p.authorize(rc)
		}
		return Fail(p.authError(rc, err))
	}

	rc.Identity = id
	return p.authorize(rc)
}

// authorize runs the route gates that apply to the request method.
func (p *Pipeline) authorize(rc *RequestContext) Outcome {
	for _, req := range rc.Route.Requirements(rc.Request.Method) {
		if err := req(rc.Identity, rc.Request.Header); err != nil {
			return Fail(p.authError(rc, err))
		}
	}
	return Continue()
}

func (p *Pipeline) authError(rc *RequestContext, err error) *apierror.Error {
	if errors.Is(err, auth.ErrStoreUnavailable) {
		return apierror.Wrap(apierror.KindServiceUnavailable, "Authentication service unavailable", err)
	}

	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		return apierror.Wrap(apierror.KindInternal, "Authentication failed", err)
	}

	p.metrics.RecordAuthFailure(string(authErr.Reason), rc.Request.Method)
	kind := apierror.KindUnauthorized
	if authErr.Forbidden() {
		kind = apierror.KindForbidden
	}
	return apierror.Wrap(kind, authErr.Message(), err)
}

func (p *Pipeline) limit(rc *RequestContext) Outcome {
	limiter := p.deps.Limiter
	if !p.config.RateLimitEnabled || limiter == nil {
		return Continue()
	}

	subj := ratelimit.Subject{UserID: rc.UserID(), ClientIP: rc.ClientIP}
	for _, category := range p.categoriesFor(rc) {
		res, err := limiter.Allow(rc.Context(), category, subj)
		if err != nil {
			if errors.Is(err, ratelimit.ErrUnavailable) {
				return Fail(apierror.Wrap(apierror.KindServiceUnavailable,
					"Rate limiting service unavailable", err))
			}
			return Fail(apierror.Wrap(apierror.KindInternal, "Rate limit check failed", err))
		}

		if !res.Allowed {
			rc.RateLimit = res
			return Fail(apierror.New(apierror.KindRateLimitExceeded,
				"Too many requests, please try again later").
				WithDetails(map[string]any{
					"category":   category,
					"retryAfter": res.RetryAfterSeconds(),
				}))
		}

		rc.RateLimits = append(rc.RateLimits, res)
		if res.Tighter(rc.RateLimit) {
			rc.RateLimit = res
		}
	}
	return Continue()
}

// categoriesFor lists the configured categories a request counts against.
func (p *Pipeline) categoriesFor(rc *RequestContext) []string {
	limiter := p.deps.Limiter
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name == "" || seen[name] || !limiter.Has(name) {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	add(p.config.GlobalRateLimit)
	for _, name := range rc.Route.RateLimits {
		add(name)
	}
	if isWrite(rc.Request.Method) && isMultipart(rc.Request) {
		add(p.config.UploadRateLimit)
	}
	return out
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get(middleware.HeaderContentType))
	return err == nil && mediaType == "multipart/form-data"
}

func (p *Pipeline) validate(rc *RequestContext) Outcome {
	body, err := readBody(rc.Request, p.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, middleware.ErrBodyTooLarge) {
			return Fail(apierror.Wrap(apierror.KindPayloadTooLarge, "Request body too large", err))
		}
		return Fail(apierror.Wrap(apierror.KindValidation, "Unable to read request body", err))
	}
	rc.Body = body

	if rc.Route.Validator == nil {
		return Continue()
	}
	if errs := rc.Route.Validator(rc); len(errs) > 0 {
		return Fail(apierror.New(apierror.KindValidation, "Request validation failed").
			WithDetails(map[string]any{"errors": errs}))
	}
	return Continue()
}

// readBody buffers the request body, failing with ErrBodyTooLarge past max.
func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w: %w", middleware.ErrBodyTooLarge, err)
		}
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, middleware.ErrBodyTooLarge
	}
	return body, nil
}

func (p *Pipeline) lookupCache(rc *RequestContext) Outcome {
	layer := p.deps.Cache
	route := rc.Route
	req := rc.Request
	if !route.Cache.Enabled || !layer.Enabled() || !layer.Eligible(req.Method, req.URL.Path) {
		return Continue()
	}
	// an unhealthy store is skipped; without a key nothing is stored either
	if !layer.Healthy() {
		rc.CacheStatus = CacheMiss
		return Continue()
	}

	rc.CacheKey = layer.Key(req.Method, req.URL.Path, rc.UserID(), rc.Query, req.Header)
	rc.CacheStatus = CacheMiss
	if cache.ForceRefresh(req.Header) {
		return Continue()
	}

	entry, ok := layer.Lookup(rc.Context(), rc.CacheKey, route.Cache.Category)
	if !ok {
		return Continue()
	}

	rc.CacheStatus = CacheHit
	h := http.Header{}
	entry.ApplyHeaders(h)
	h.Set(cache.HeaderCache, CacheHit)
	h.Set(cache.HeaderCacheAge, entry.AgeHeader(p.now()))
	cachingHeaders(h, req.Method, entry.StatusCode, route.Cache.TTL)
	return Respond(&Response{StatusCode: entry.StatusCode, Header: h, Body: entry.Body})
}

func (p *Pipeline) transformRequest(rc *RequestContext) Outcome {
	rc.Query = normalizeQuery(rc.Request.URL.Path, rc.Query)
	rc.OutboundHeader = outboundHeaders(rc, p.config.Version)
	return Continue()
}

func (p *Pipeline) selectInstance(rc *RequestContext) Outcome {
	inst, err := p.deps.Selector.Select(rc.Route.Service)
	if err != nil {
		return Fail(apierror.Wrap(apierror.KindServiceUnavailable, "Service temporarily unavailable", err).
			WithDetails(map[string]string{"service": rc.Route.Service}))
	}
	rc.Instance = inst
	return Continue()
}

func (p *Pipeline) forward(rc *RequestContext) Outcome {
	route := rc.Route
	resp, err := p.deps.Forwarder.Forward(rc.Context(), route.Service, rc.Instance, &proxy.Request{
		Method:   rc.Request.Method,
		Path:     route.Rewrite.Apply(rc.Request.URL.Path),
		RawQuery: rc.Query.Encode(),
		Header:   rc.OutboundHeader,
		Body:     rc.Body,
	})
	if err != nil {
		message := "Service error"
		var proxyErr *proxy.Error
		if errors.As(err, &proxyErr) && proxyErr.Timeout() {
			message = "Service timed out"
		}
		return Fail(apierror.Wrap(apierror.KindBadGateway, message, err).
			WithDetails(map[string]string{"service": route.Service}))
	}

	rc.Response = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
	return Continue()
}

func (p *Pipeline) transformResponse(rc *RequestContext) Outcome {
	resp := rc.Response
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	proxy.SanitizeResponseHeaders(resp.Header)

	ttl := p.config.ClientMaxAge
	if rc.Route.Cache.Enabled {
		ttl = rc.Route.Cache.TTL
	}
	cachingHeaders(resp.Header, rc.Request.Method, resp.StatusCode, ttl)

	if rc.CacheStatus != "" {
		resp.Header.Set(cache.HeaderCache, rc.CacheStatus)
	}
	return Continue()
}

func (p *Pipeline) storeCache(rc *RequestContext) Outcome {
	layer := p.deps.Cache
	route := rc.Route
	resp := rc.Response

	if rc.CacheStatus == CacheMiss && rc.CacheKey != "" {
		layer.Store(rc.Context(), rc.CacheKey, resp.StatusCode, resp.Header, resp.Body, route.Cache.TTL)
	}

	if route.Cache.Enabled && isWrite(rc.Request.Method) &&
		resp.StatusCode < http.StatusBadRequest && layer.Enabled() {
		if _, err := layer.InvalidatePath(rc.Context(), route.Prefix); err != nil {
			p.logger.Warn("cache invalidation failed",
				observability.String("route", route.Name),
				observability.String("correlation_id", rc.CorrelationID),
				observability.Error(err),
			)
		}
	}
	return Continue()
}
