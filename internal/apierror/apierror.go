// Package apierror defines the gateway error taxonomy and its uniform JSON envelope.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a terminal pipeline error.
type Kind int

const (
	// KindInternal is an unexpected failure.
	KindInternal Kind = iota
	// KindUnauthorized means the credential is missing or invalid.
	KindUnauthorized
	// KindForbidden means a role, email or MFA gate failed.
	KindForbidden
	// KindValidation means the query or body is malformed.
	KindValidation
	// KindRateLimitExceeded means the window is exhausted.
	KindRateLimitExceeded
	// KindNotFound means no route matched.
	KindNotFound
	// KindBadGateway means the backend transport failed.
	KindBadGateway
	// KindServiceUnavailable means no healthy instance or a required dependency is down.
	KindServiceUnavailable
	// KindPayloadTooLarge means the request body exceeds the configured limit.
	KindPayloadTooLarge
)

type kindInfo struct {
	status int
	title  string
	code   string
}

var kinds = map[Kind]kindInfo{
	KindInternal:           {http.StatusInternalServerError, "Internal Server Error", "INTERNAL_ERROR"},
	KindUnauthorized:       {http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED"},
	KindForbidden:          {http.StatusForbidden, "Forbidden", "FORBIDDEN"},
	KindValidation:         {http.StatusBadRequest, "Validation Error", "VALIDATION_ERROR"},
	KindRateLimitExceeded:  {http.StatusTooManyRequests, "Too Many Requests", "RATE_LIMIT_EXCEEDED"},
	KindNotFound:           {http.StatusNotFound, "Not Found", "NOT_FOUND"},
	KindBadGateway:         {http.StatusBadGateway, "Bad Gateway", "EXTERNAL_SERVICE_ERROR"},
	KindServiceUnavailable: {http.StatusServiceUnavailable, "Service Unavailable", "SERVICE_UNAVAILABLE"},
	KindPayloadTooLarge:    {http.StatusRequestEntityTooLarge, "Payload Too Large", "PAYLOAD_TOO_LARGE"},
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int { return kinds[k].status }

// Code returns the machine-readable error code.
func (k Kind) Code() string { return kinds[k].code }

// String returns the human-readable title.
func (k Kind) String() string { return kinds[k].title }

// Error is a typed terminal error carried through the pipeline.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Header  http.Header
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind with a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured details.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithHeader attaches a response header, e.g. Retry-After.
func (e *Error) WithHeader(key, value string) *Error {
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	e.Header.Set(key, value)
	return e
}

// From converts any error into an *Error. Unknown errors become KindInternal.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Wrap(KindInternal, "An unexpected error occurred", err)
}

// Envelope is the JSON body of every gateway-generated error response.
type Envelope struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     string `json:"timestamp"`
	Path          string `json:"path"`
	Method        string `json:"method"`
}

// RequestInfo identifies the request an error belongs to.
type RequestInfo struct {
	CorrelationID string
	Path          string
	Method        string
}

// NewEnvelope builds the envelope for err. In production, internal errors keep
// only a generic message and drop details.
func NewEnvelope(err *Error, info RequestInfo, production bool, now time.Time) Envelope {
	message := err.Message
	details := err.Details
	if err.Kind == KindInternal && production {
		message = "Internal server error"
		details = nil
	}
	return Envelope{
		Error:         err.Kind.String(),
		Code:          err.Kind.Code(),
		Message:       message,
		Details:       details,
		CorrelationID: info.CorrelationID,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Path:          info.Path,
		Method:        info.Method,
	}
}

// Marshal renders the envelope for err as JSON.
func Marshal(err *Error, info RequestInfo, production bool) []byte {
	body, mErr := json.Marshal(NewEnvelope(err, info, production, time.Now()))
	if mErr != nil {
		return []byte(`{"error":"Internal Server Error","code":"INTERNAL_ERROR"}`)
	}
	return body
}

// Write writes err as a JSON envelope with the matching status code.
func Write(w http.ResponseWriter, err *Error, info RequestInfo, production bool) {
	for k, vs := range err.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(err.Kind.Status())
	_, _ = w.Write(Marshal(err, info, production))
}
