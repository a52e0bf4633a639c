package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claim names carried by access tokens.
const (
	ClaimUserID        = "id"
	ClaimEmail         = "email"
	ClaimRole          = "role"
	ClaimFirstName     = "firstName"
	ClaimLastName      = "lastName"
	ClaimMFAEnabled    = "mfaEnabled"
	ClaimEmailVerified = "isEmailVerified"
)

const bearerPrefix = "Bearer "

// ExtractBearer returns the token from an Authorization header value.
func ExtractBearer(header string) (string, error) {
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return "", newError(ReasonNoToken, nil)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", newError(ReasonNoToken, nil)
	}
	return token, nil
}

// Verifier checks HS256 access tokens.
type Verifier struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier for the shared secret. skew is the
// tolerated clock drift on exp/iat/nbf.
func NewVerifier(secret []byte, skew time.Duration, now func() time.Time) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: secret, skew: skew, now: now}, nil
}

// Verify checks structure, signature and validity window, in that order,
// and returns the identity carried by the token.
func (v *Verifier) Verify(token string) (*Identity, error) {
	raw := []byte(token)

	if _, err := jws.Parse(raw); err != nil {
		return nil, newError(ReasonMalformed, err)
	}

	if _, err := jws.Verify(raw, jws.WithKey(jwa.HS256, v.secret)); err != nil {
		return nil, newError(ReasonSignatureInvalid, err)
	}

	tok, err := jwt.Parse(raw,
		jwt.WithVerify(false),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, newError(ReasonExpired, err)
		}
		return nil, newError(ReasonMalformed, err)
	}

	return identityFromToken(tok)
}

func identityFromToken(tok jwt.Token) (*Identity, error) {
	claims := tok.PrivateClaims()

	id, err := stringClaim(claims, ClaimUserID)
	if err != nil {
		return nil, newError(ReasonMalformed, err)
	}
	if id == "" {
		id = tok.Subject()
	}
	if id == "" {
		return nil, newError(ReasonMalformed, errors.New("token carries no user id"))
	}

	identity := &Identity{
		UserID:    id,
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
	}
	identity.Email, _ = stringClaim(claims, ClaimEmail)
	identity.Role, _ = stringClaim(claims, ClaimRole)
	identity.FirstName, _ = stringClaim(claims, ClaimFirstName)
	identity.LastName, _ = stringClaim(claims, ClaimLastName)
	identity.MFAEnabled = boolClaim(claims, ClaimMFAEnabled)
	identity.EmailVerified = boolClaim(claims, ClaimEmailVerified)
	return identity, nil
}

// stringClaim reads a claim that may be a JSON string or number.
func stringClaim(claims map[string]interface{}, name string) (string, error) {
	v, ok := claims[name]
	if !ok || v == nil {
		return "", nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", fmt.Errorf("claim %s has unexpected type %T", name, v)
	}
}

func boolClaim(claims map[string]interface{}, name string) bool {
	b, _ := claims[name].(bool)
	return b
}
