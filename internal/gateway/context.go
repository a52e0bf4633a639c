package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/vyrodovalexey/propgw/internal/apierror"
	"github.com/vyrodovalexey/propgw/internal/auth"
	"github.com/vyrodovalexey/propgw/internal/backend"
	"github.com/vyrodovalexey/propgw/internal/ratelimit"
)

// Cache status values reported in X-Cache and the access log.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// Response is the buffered response a request ends with.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestContext carries per-request state from stage to stage.
type RequestContext struct {
	ctx     context.Context
	Request *http.Request

	CorrelationID  string
	TraceID        string
	ClientIP       string
	UserAgent      string
	AcceptLanguage string
	StartedAt      time.Time

	// Identity is nil for anonymous callers.
	Identity *auth.Identity
	Route    *Route
	Body     []byte
	Query    url.Values

	// OutboundHeader is the header set sent to the backend.
	OutboundHeader http.Header

	CacheKey    string
	CacheStatus string

	Instance *backend.Instance
	Response *Response
	Err      *apierror.Error

	// RateLimits are the hits counted for this request, refunded on success
	// for skip-successful categories.
	RateLimits []*ratelimit.Result
	// RateLimit is the result reported in X-RateLimit-* headers.
	RateLimit *ratelimit.Result
}

func newRequestContext(ctx context.Context, r *http.Request, now time.Time) *RequestContext {
	return &RequestContext{
		ctx:       ctx,
		Request:   r,
		StartedAt: now,
		Query:     r.URL.Query(),
	}
}

// Context returns the request context.
func (rc *RequestContext) Context() context.Context {
	return rc.ctx
}

// SetContext replaces the request context.
func (rc *RequestContext) SetContext(ctx context.Context) {
	rc.ctx = ctx
}

// UserID returns the caller's user id, or "" when anonymous.
func (rc *RequestContext) UserID() string {
	if rc.Identity == nil {
		return ""
	}
	return rc.Identity.UserID
}

// Status returns the final status code, or 0 before one is decided.
func (rc *RequestContext) Status() int {
	switch {
	case rc.Err != nil:
		return rc.Err.Kind.Status()
	case rc.Response != nil:
		return rc.Response.StatusCode
	default:
		return 0
	}
}

// ServiceName returns the matched route's service, or "" when unmatched.
func (rc *RequestContext) ServiceName() string {
	if rc.Route == nil {
		return ""
	}
	return rc.Route.Service
}

func (rc *RequestContext) requestInfo() apierror.RequestInfo {
	return apierror.RequestInfo{
		CorrelationID: rc.CorrelationID,
		Path:          rc.Request.URL.Path,
		Method:        rc.Request.Method,
	}
}
