package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Status(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
		code   string
	}{
		{KindUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
		{KindForbidden, http.StatusForbidden, "FORBIDDEN"},
		{KindValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
		{KindRateLimitExceeded, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{KindNotFound, http.StatusNotFound, "NOT_FOUND"},
		{KindBadGateway, http.StatusBadGateway, "EXTERNAL_SERVICE_ERROR"},
		{KindServiceUnavailable, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{KindInternal, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.kind.Status())
			assert.Equal(t, tt.code, tt.kind.Code())
			assert.NotEmpty(t, tt.kind.String())
		})
	}
}

func TestFrom(t *testing.T) {
	typed := New(KindForbidden, "Insufficient permissions")
	wrapped := errors.Join(errors.New("outer"), typed)

	assert.Same(t, typed, From(typed))
	assert.Equal(t, KindForbidden, From(wrapped).Kind)

	plain := errors.New("boom")
	got := From(plain)
	assert.Equal(t, KindInternal, got.Kind)
	assert.ErrorIs(t, got, plain)
}

func TestNewEnvelope_ProductionHidesInternalDetail(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	info := RequestInfo{CorrelationID: "cid-1", Path: "/api/v1/properties", Method: http.MethodGet}
	err := Wrap(KindInternal, "db exploded", errors.New("secret")).WithDetails(map[string]string{"k": "v"})

	dev := NewEnvelope(err, info, false, now)
	assert.Equal(t, "db exploded", dev.Message)
	assert.NotNil(t, dev.Details)

	prod := NewEnvelope(err, info, true, now)
	assert.Equal(t, "Internal server error", prod.Message)
	assert.Nil(t, prod.Details)
	assert.Equal(t, "INTERNAL_ERROR", prod.Code)
	assert.Equal(t, "cid-1", prod.CorrelationID)
	assert.Equal(t, "2026-01-02T03:04:05Z", prod.Timestamp)

	validation := New(KindValidation, "Request validation failed").WithDetails([]string{"page"})
	assert.NotNil(t, NewEnvelope(validation, info, true, now).Details)
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	err := New(KindRateLimitExceeded, "Too many requests").WithHeader("Retry-After", "42")

	Write(rec, err, RequestInfo{CorrelationID: "abc", Path: "/x", Method: http.MethodPost}, true)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "Too Many Requests", env.Error)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", env.Code)
	assert.Equal(t, "abc", env.CorrelationID)
	assert.Equal(t, "/x", env.Path)
	assert.Equal(t, http.MethodPost, env.Method)
}
