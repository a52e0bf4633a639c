package gateway

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/propgw/internal/proxy"
)

// Pagination defaults for list and search endpoints.
const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
)

// Client context headers forwarded alongside the proxy headers.
const (
	HeaderClientUserAgent      = "X-Client-User-Agent"
	HeaderClientAcceptLanguage = "X-Client-Accept-Language"
)

// normalizeQuery returns a normalized copy of q for a request to path.
func normalizeQuery(path string, q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}

	if strings.Contains(path, "/search") || strings.Contains(path, "/list") {
		if out.Get("page") == "" {
			out.Set("page", strconv.Itoa(DefaultPage))
		}
		if out.Get("limit") == "" {
			out.Set("limit", strconv.Itoa(DefaultLimit))
		}
		if n, err := strconv.Atoi(out.Get("limit")); err == nil && n > MaxLimit {
			out.Set("limit", strconv.Itoa(MaxLimit))
		}
	}

	if s := out.Get("sort"); s != "" && !strings.Contains(s, ":") {
		out.Set("sort", s+":desc")
	}

	if (out.Get("fromDate") != "" || out.Get("toDate") != "") && out.Get("timezone") == "" {
		out.Set("timezone", "UTC")
	}

	term := out.Get("search")
	if term == "" {
		term = out.Get("q")
	}
	if term != "" {
		term = strings.TrimSpace(term)
		out.Set("search", term)
		out.Set("q", term)
	}

	return out
}

// outboundHeaders builds the backend header set for rc.
func outboundHeaders(rc *RequestContext, version string) http.Header {
	proto := "http"
	if rc.Request.TLS != nil {
		proto = "https"
	}
	if p := rc.Request.Header.Get(proxy.HeaderForwardedProto); p != "" {
		proto = p
	}

	h := proxy.OutboundHeaders(rc.Request.Header, proxy.Forwarded{
		CorrelationID: rc.CorrelationID,
		TraceID:       rc.TraceID,
		ClientIP:      rc.ClientIP,
		Proto:         proto,
		Host:          rc.Request.Host,
		ReceivedAt:    rc.StartedAt,
		Version:       version,
		Identity:      rc.Identity,
	})
	if rc.UserAgent != "" {
		h.Set(HeaderClientUserAgent, rc.UserAgent)
	}
	if rc.AcceptLanguage != "" {
		h.Set(HeaderClientAcceptLanguage, rc.AcceptLanguage)
	}
	return h
}

// cachingHeaders adds client caching hints to a successful GET response.
func cachingHeaders(h http.Header, method string, status int, ttl time.Duration) {
	if method != http.MethodGet || status >= http.StatusBadRequest {
		return
	}
	if h.Get("Cache-Control") == "" {
		maxAge := int(ttl / time.Second)
		if maxAge > 0 {
			h.Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAge))
		} else {
			h.Set("Cache-Control", "no-cache")
		}
	}
	h.Set("Vary", "Accept, Authorization")
}
