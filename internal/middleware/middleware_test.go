package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/propgw/internal/observability"
)

func TestRecovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		handler        http.HandlerFunc
		production     bool
		expectedStatus int
		expectedMsg    string
	}{
		{
			name: "no panic",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"status":"ok"}`))
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "panic with string",
			handler: func(http.ResponseWriter, *http.Request) {
				panic("test panic")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedMsg:    "test panic",
		},
		{
			name: "panic hidden in production",
			handler: func(http.ResponseWriter, *http.Request) {
				panic(assert.AnError)
			},
			production:     true,
			expectedStatus: http.StatusInternalServerError,
			expectedMsg:    "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := Recovery(observability.NopLogger(), tt.production)(tt.handler)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/properties", nil)
			req.Header.Set(HeaderCorrelationID, "corr-9")
			rec := httptest.NewRecorder()

			assert.NotPanics(t, func() { handler.ServeHTTP(rec, req) })
			assert.Equal(t, tt.expectedStatus, rec.Code)

			if tt.expectedMsg == "" {
				return
			}
			var env map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, "INTERNAL_ERROR", env["code"])
			assert.Equal(t, tt.expectedMsg, env["message"])
			assert.Equal(t, "corr-9", env["correlationId"])
			assert.Equal(t, "/api/v1/properties", env["path"])
		})
	}
}

func TestRecovery_CountsPanics(t *testing.T) {
	before := testutil.ToFloat64(GetMiddlewareMetrics().panicsRecovered)

	handler := Recovery(observability.NopLogger(), false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(GetMiddlewareMetrics().panicsRecovered))
}

func TestClientIPExtractor_Extract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		extractor  *ClientIPExtractor
		remoteAddr string
		xff        string
		xRealIP    string
		want       string
	}{
		{
			name:       "first forwarded hop",
			extractor:  NewClientIPExtractor(true, nil),
			remoteAddr: "10.0.0.1:1234",
			xff:        "203.0.113.5, 10.0.0.2",
			want:       "203.0.113.5",
		},
		{
			name:       "real ip fallback",
			extractor:  NewClientIPExtractor(true, nil),
			remoteAddr: "10.0.0.1:1234",
			xRealIP:    "198.51.100.7",
			want:       "198.51.100.7",
		},
		{
			name:       "remote addr fallback",
			extractor:  NewClientIPExtractor(true, nil),
			remoteAddr: "192.0.2.9:5555",
			want:       "192.0.2.9",
		},
		{
			name:       "headers ignored when untrusted",
			extractor:  NewClientIPExtractor(false, nil),
			remoteAddr: "192.0.2.9:5555",
			xff:        "203.0.113.5",
			want:       "192.0.2.9",
		},
		{
			name:       "trusted proxy honoured",
			extractor:  NewClientIPExtractor(true, []string{"10.0.0.0/8"}),
			remoteAddr: "10.1.2.3:80",
			xff:        "203.0.113.5",
			want:       "203.0.113.5",
		},
		{
			name:       "untrusted peer ignored",
			extractor:  NewClientIPExtractor(true, []string{"10.0.0.0/8", "not-an-ip"}),
			remoteAddr: "192.0.2.9:80",
			xff:        "203.0.113.5",
			want:       "192.0.2.9",
		},
		{
			name:       "single trusted ip",
			extractor:  NewClientIPExtractor(true, []string{"::1"}),
			remoteAddr: "[::1]:8080",
			xRealIP:    "198.51.100.7",
			want:       "198.51.100.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set(HeaderXForwardedFor, tt.xff)
			}
			if tt.xRealIP != "" {
				req.Header.Set(HeaderXRealIP, tt.xRealIP)
			}
			assert.Equal(t, tt.want, tt.extractor.Extract(req))
		})
	}
}

func TestClientIP_StoresInContext(t *testing.T) {
	t.Parallel()

	var got string
	handler := ClientIP(NewClientIPExtractor(true, nil))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXForwardedFor, "203.0.113.5")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "203.0.113.5", got)
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	handler := SecurityHeaders()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if errors.Is(err, ErrBodyTooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		require.NoError(t, err)
		_, _ = w.Write(b)
	})
	handler := BodyLimit(8, observability.NopLogger())(echo)

	t.Run("within limit", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345678")))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "12345678", rec.Body.String())
	})

	t.Run("declared length too large", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("123456789")))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

		var env map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.Equal(t, "PAYLOAD_TOO_LARGE", env["code"])
	})

	t.Run("streamed body too large", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader("123456789")))
		req.ContentLength = -1
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestActiveConnections(t *testing.T) {
	t.Parallel()

	m := observability.NewMetrics("test")
	var during float64
	handler := ActiveConnections(m)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		during = gatherGauge(t, m, "test_active_connections")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, 1.0, during)
	assert.Equal(t, 0.0, gatherGauge(t, m, "test_active_connections"))
}

func TestChain_Order(t *testing.T) {
	t.Parallel()

	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("a"), mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func gatherGauge(t *testing.T, m *observability.Metrics, name string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}
