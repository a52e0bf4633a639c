package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// cacheableHeaders are the only response headers persisted with an entry.
var cacheableHeaders = []string{"Content-Type", "Content-Length", "ETag", "Last-Modified"}

// Entry is a stored response.
type Entry struct {
	Body       []byte            `json:"body"`
	StatusCode int               `json:"statusCode"`
	Header     map[string]string `json:"headers,omitempty"`
	StoredAt   time.Time         `json:"timestamp"`
	TTLSeconds int               `json:"ttl"`
}

// NewEntry builds an entry keeping only the cacheable headers.
func NewEntry(status int, header http.Header, body []byte, ttl time.Duration, now time.Time) *Entry {
	e := &Entry{
		Body:       body,
		StatusCode: status,
		StoredAt:   now.UTC(),
		TTLSeconds: int(ttl / time.Second),
	}
	for _, name := range cacheableHeaders {
		if v := header.Get(name); v != "" {
			if e.Header == nil {
				e.Header = make(map[string]string, len(cacheableHeaders))
			}
			e.Header[name] = v
		}
	}
	return e
}

// Age returns how long ago the entry was stored, truncated to seconds.
func (e *Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.StoredAt).Truncate(time.Second)
	if age < 0 {
		return 0
	}
	return age
}

// AgeHeader formats Age for X-Cache-Age, e.g. "12s".
func (e *Entry) AgeHeader(now time.Time) string {
	return strconv.Itoa(int(e.Age(now)/time.Second)) + "s"
}

// ApplyHeaders copies the stored headers onto h.
func (e *Entry) ApplyHeaders(h http.Header) {
	for k, v := range e.Header {
		h.Set(k, v)
	}
}

func marshalEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}
