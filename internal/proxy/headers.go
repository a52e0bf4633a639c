package proxy

import (
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/propgw/internal/auth"
)

// Headers injected into every forwarded request.
const (
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderRequestID      = "X-Request-ID"
	HeaderTraceID        = "X-Trace-ID"
	HeaderUserID         = "X-User-ID"
	HeaderUserEmail      = "X-User-Email"
	HeaderUserRole       = "X-User-Role"
	HeaderClientIP       = "X-Client-IP"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderForwardedHost  = "X-Forwarded-Host"
	HeaderReceivedAt     = "X-Received-At"
	HeaderGatewayVersion = "X-Gateway-Version"
)

// userHeaderPrefix marks identity headers that only the gateway may set.
const userHeaderPrefix = "X-User-"

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// leakyResponseHeaders reveal backend implementation details.
var leakyResponseHeaders = []string{
	"Server",
	"X-Powered-By",
}

// Forwarded describes the gateway-side facts attached to an outbound request.
type Forwarded struct {
	CorrelationID string
	TraceID       string
	ClientIP      string
	Proto         string
	Host          string
	ReceivedAt    time.Time
	Version       string
	Identity      *auth.Identity
}

// removeHopHeaders deletes hop-by-hop headers, including any named by the
// Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// OutboundHeaders builds the header set sent to a backend from the client
// headers. Client-supplied X-User-* headers are dropped so that identity can
// only come from the gateway.
func OutboundHeaders(in http.Header, f Forwarded) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	removeHopHeaders(out)
	for name := range out {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), userHeaderPrefix) {
			delete(out, name)
		}
	}
	// The transport negotiates compression itself and hands back a plain body.
	out.Del("Accept-Encoding")

	if f.CorrelationID != "" {
		out.Set(HeaderCorrelationID, f.CorrelationID)
		out.Set(HeaderRequestID, f.CorrelationID)
	}
	if f.TraceID != "" {
		out.Set(HeaderTraceID, f.TraceID)
	}
	if f.Identity != nil {
		out.Set(HeaderUserID, f.Identity.UserID)
		if f.Identity.Email != "" {
			out.Set(HeaderUserEmail, f.Identity.Email)
		}
		if f.Identity.Role != "" {
			out.Set(HeaderUserRole, f.Identity.Role)
		}
	}
	if f.ClientIP != "" {
		out.Set(HeaderClientIP, f.ClientIP)
		forwardedFor := f.ClientIP
		if prior := in.Get(HeaderForwardedFor); prior != "" {
			forwardedFor = prior + ", " + f.ClientIP
		}
		out.Set(HeaderForwardedFor, forwardedFor)
	}

	proto := f.Proto
	if proto == "" {
		proto = "http"
	}
	out.Set(HeaderForwardedProto, proto)
	if f.Host != "" {
		out.Set(HeaderForwardedHost, f.Host)
	}
	if !f.ReceivedAt.IsZero() {
		out.Set(HeaderReceivedAt, f.ReceivedAt.UTC().Format(time.RFC3339Nano))
	}
	if f.Version != "" {
		out.Set(HeaderGatewayVersion, f.Version)
	}
	return out
}

// SanitizeResponseHeaders strips hop-by-hop and server-identifying headers
// from a backend response in place.
func SanitizeResponseHeaders(h http.Header) {
	removeHopHeaders(h)
	for _, name := range leakyResponseHeaders {
		h.Del(name)
	}
}
