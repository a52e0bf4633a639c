package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/propgw/internal/circuitbreaker"
)

// StatusActive is the only account status that may authenticate.
const StatusActive = "active"

// SessionState is everything the gate needs from the session store for one
// token.
type SessionState struct {
	Revoked bool

	// SessionFound is false when no live session record exists for the token.
	SessionFound    bool
	SessionIssuedAt int64

	// Status is the account status; StatusSet is false when none is recorded.
	Status    string
	StatusSet bool
}

// SessionStore looks up revocation, session and account state.
type SessionStore interface {
	Lookup(ctx context.Context, userID, token string) (*SessionState, error)
}

// sessionRecord is the JSON stored under token:<userId>:<token>.
type sessionRecord struct {
	IssuedAt json.Number `json:"iat"`
}

// BlacklistKey returns the revocation key of a token.
func BlacklistKey(token string) string {
	return "blacklist:" + token
}

// SessionKey returns the session record key of a user's token.
func SessionKey(userID, token string) string {
	return "token:" + userID + ":" + token
}

// StatusKey returns the account status key of a user.
func StatusKey(userID string) string {
	return "user:" + userID + ":status"
}

// RedisSessionStore reads session state from Redis in one pipelined round
// trip, guarded by a circuit breaker.
type RedisSessionStore struct {
	client  redis.UniversalClient
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisSessionStore creates a RedisSessionStore.
func NewRedisSessionStore(
	client redis.UniversalClient, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger,
) *RedisSessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSessionStore{
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

// Lookup implements SessionStore. Any Redis failure is reported as
// ErrStoreUnavailable.
func (s *RedisSessionStore) Lookup(ctx context.Context, userID, token string) (*SessionState, error) {
	var state *SessionState
	run := func() error {
		var err error
		state, err = s.lookup(ctx, userID, token)
		return err
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(run)
	} else {
		err = run()
	}
	if err != nil {
		s.logger.Warn("session lookup failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return state, nil
}

func (s *RedisSessionStore) lookup(ctx context.Context, userID, token string) (*SessionState, error) {
	var (
		revoked *redis.IntCmd
		session *redis.StringCmd
		status  *redis.StringCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		revoked = pipe.Exists(ctx, BlacklistKey(token))
		session = pipe.Get(ctx, SessionKey(userID, token))
		status = pipe.Get(ctx, StatusKey(userID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	state := &SessionState{}

	n, err := revoked.Result()
	if err != nil {
		return nil, err
	}
	state.Revoked = n > 0

	raw, err := session.Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, err
	default:
		iat, perr := parseSessionIssuedAt(raw)
		if perr != nil {
			s.logger.Warn("unreadable session record",
				zap.String("user_id", userID),
				zap.Error(perr))
		} else {
			state.SessionFound = true
			state.SessionIssuedAt = iat
		}
	}

	st, err := status.Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, err
	default:
		state.Status = st
		state.StatusSet = true
	}

	return state, nil
}

func parseSessionIssuedAt(raw string) (int64, error) {
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return 0, fmt.Errorf("decode session record: %w", err)
	}
	if rec.IssuedAt == "" {
		return 0, errors.New("session record has no iat")
	}
	if n, err := rec.IssuedAt.Int64(); err == nil {
		return n, nil
	}
	f, err := rec.IssuedAt.Float64()
	if err != nil {
		return 0, fmt.Errorf("session iat: %w", err)
	}
	return int64(math.Floor(f)), nil
}
