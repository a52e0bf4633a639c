package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/propgw/internal/apierror"
	"github.com/vyrodovalexey/propgw/internal/observability"
)

// Recovery returns a middleware that recovers from panics and answers with
// a 500 error envelope. In production the panic value is not exposed.
func Recovery(logger observability.Logger, production bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				stack := debug.Stack()
				correlationID := observability.CorrelationIDFromContext(r.Context())
				if correlationID == "" {
					correlationID = r.Header.Get(HeaderCorrelationID)
				}

				logger.Error("panic recovered",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
					observability.String("correlation_id", correlationID),
					observability.Any("error", rec),
					observability.String("stack", string(stack)),
				)

				GetMiddlewareMetrics().panicsRecovered.Inc()

				apiErr := apierror.New(apierror.KindInternal, fmt.Sprint(rec))
				apierror.Write(w, apiErr, apierror.RequestInfo{
					CorrelationID: correlationID,
					Path:          r.URL.Path,
					Method:        r.Method,
				}, production)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
