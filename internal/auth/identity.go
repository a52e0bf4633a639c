// Package auth verifies bearer tokens against the session store and applies
// per-route authorization gates.
package auth

import (
	"fmt"
	"slices"
	"time"
)

// Identity represents an authenticated user.
type Identity struct {
	UserID        string    `json:"id"`
	Email         string    `json:"email,omitempty"`
	Role          string    `json:"role,omitempty"`
	FirstName     string    `json:"firstName,omitempty"`
	LastName      string    `json:"lastName,omitempty"`
	MFAEnabled    bool      `json:"mfaEnabled"`
	EmailVerified bool      `json:"isEmailVerified"`
	IssuedAt      time.Time `json:"iat,omitzero"`
	ExpiresAt     time.Time `json:"exp,omitzero"`
}

// HasRole checks if the identity holds any of the roles.
func (i *Identity) HasRole(roles ...string) bool {
	return i != nil && slices.Contains(roles, i.Role)
}

// Mode controls how a route treats credentials.
type Mode string

// Route auth modes.
const (
	// ModeRequired rejects requests that fail authentication.
	ModeRequired Mode = "required"

	// ModeOptional authenticates when possible and otherwise proceeds anonymously.
	ModeOptional Mode = "optional"

	// ModeNone skips authentication.
	ModeNone Mode = "none"
)

// ParseMode parses a mode name. Empty means required.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeRequired:
		return ModeRequired, nil
	case ModeOptional:
		return ModeOptional, nil
	case ModeNone:
		return ModeNone, nil
	default:
		return "", fmt.Errorf("unknown auth mode %q", s)
	}
}
