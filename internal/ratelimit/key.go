package ratelimit

import (
	"fmt"
)

// KeyBy selects what a limiter counts against.
type KeyBy string

// Key strategies.
const (
	// KeyByIdentity counts per user when authenticated, else per client IP.
	KeyByIdentity KeyBy = "identity"

	// KeyByIP always counts per client IP.
	KeyByIP KeyBy = "ip"
)

// ParseKeyBy parses a key strategy name. Empty means identity.
func ParseKeyBy(s string) (KeyBy, error) {
	switch KeyBy(s) {
	case "", KeyByIdentity:
		return KeyByIdentity, nil
	case KeyByIP:
		return KeyByIP, nil
	default:
		return "", fmt.Errorf("unknown rate limit key %q", s)
	}
}

// Subject identifies the caller being limited.
type Subject struct {
	UserID   string
	ClientIP string
}

// Authenticated reports whether the caller carries a user id.
func (s Subject) Authenticated() bool {
	return s.UserID != ""
}

// Key returns "user:<id>" or "ip:<clientIp>" according to by.
func (s Subject) Key(by KeyBy) string {
	if by != KeyByIP && s.UserID != "" {
		return "user:" + s.UserID
	}
	ip := s.ClientIP
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}
