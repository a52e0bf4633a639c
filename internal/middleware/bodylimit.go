package middleware

import (
	"errors"
	"io"
	"net/http"

	"github.com/vyrodovalexey/propgw/internal/apierror"
	"github.com/vyrodovalexey/propgw/internal/observability"
)

// DefaultMaxBodyBytes is the request body limit when none is configured.
const DefaultMaxBodyBytes int64 = 10 << 20

// ErrBodyTooLarge is returned by reads past the body limit.
var ErrBodyTooLarge = errors.New("request body size exceeded")

// BodyLimit returns a middleware that limits the request body size.
// Requests declaring a larger Content-Length get a 413 envelope at once;
// others fail with ErrBodyTooLarge when read past the limit.
func BodyLimit(maxSize int64, logger observability.Logger) func(http.Handler) http.Handler {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check Content-Length header first for early rejection
			if r.ContentLength > maxSize {
				logger.Warn("request body too large",
					observability.Int64("content_length", r.ContentLength),
					observability.Int64("max_size", maxSize),
					observability.String("path", r.URL.Path),
				)

				GetMiddlewareMetrics().bodyLimitRejected.Inc()

				apierror.Write(w, apierror.New(apierror.KindPayloadTooLarge, "Request body too large"),
					apierror.RequestInfo{
						CorrelationID: r.Header.Get(HeaderCorrelationID),
						Path:          r.URL.Path,
						Method:        r.Method,
					}, false)
				return
			}

			// Wrap the body with a limited reader to enforce the limit during reading
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = &limitedReadCloser{
					ReadCloser: r.Body,
					remaining:  maxSize,
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitedReadCloser wraps an io.ReadCloser and limits the number of bytes that can be read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

// Read reads up to len(p) bytes into p, respecting the remaining limit.
// A body of exactly the limit reads cleanly; one more byte is an error.
func (l *limitedReadCloser) Read(p []byte) (n int, err error) {
	if l.exceeded {
		return 0, ErrBodyTooLarge
	}
	if l.remaining <= 0 {
		var probe [1]byte
		n, err = l.ReadCloser.Read(probe[:])
		if n > 0 {
			l.exceeded = true
			GetMiddlewareMetrics().bodyLimitRejected.Inc()
			return 0, ErrBodyTooLarge
		}
		return 0, err
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err = l.ReadCloser.Read(p)
	l.remaining -= int64(n)

	return n, err
}
