package auth

import (
	"context"
	"errors"

	"github.com/vyrodovalexey/propgw/internal/observability"
)

// Gate authenticates requests.
type Gate struct {
	verifier *Verifier
	sessions SessionStore
	logger   observability.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger.
func WithGateLogger(logger observability.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates a Gate.
func NewGate(verifier *Verifier, sessions SessionStore, opts ...GateOption) *Gate {
	g := &Gate{
		verifier: verifier,
		sessions: sessions,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate validates the Authorization header value. Failures are
// *Error values, except a session store outage which is reported as an
// error wrapping ErrStoreUnavailable.
func (g *Gate) Authenticate(ctx context.Context, authorization string) (*Identity, error) {
	token, err := ExtractBearer(authorization)
	if err != nil {
		return nil, err
	}

	identity, err := g.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	state, err := g.sessions.Lookup(ctx, identity.UserID, token)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	if err := checkSession(identity, state); err != nil {
		g.logger.Debug("token rejected",
			observability.String("user_id", identity.UserID),
			observability.String("reason", string(err.Reason)))
		return nil, err
	}

	return identity, nil
}

// checkSession applies the stored state in order: revocation, session
// presence, session freshness, account status.
func checkSession(identity *Identity, state *SessionState) *Error {
	if state.Revoked {
		return newError(ReasonRevoked, nil)
	}
	if !state.SessionFound {
		return newError(ReasonSessionNotFound, nil)
	}
	if identity.IssuedAt.IsZero() || state.SessionIssuedAt != identity.IssuedAt.Unix() {
		return newError(ReasonSessionMismatch, nil)
	}
	if state.StatusSet && state.Status != StatusActive {
		return newError(ReasonAccountNotActive, nil)
	}
	return nil
}
