// Package auth verifies the credentials presented during the connection
// handshake and classifies failures into the three disjoint kinds the
// gateway reports to clients.
//
// Two credential forms are accepted:
//
//   - Guest tokens: the literal string "guest_<uuid-v4>_<unix-ms>". Expiry is
//     computed as <unix-ms> + GuestTTL; no signature is involved.
//   - Bearer tokens: HS256 JWTs carrying sub, email, roles, tier, permissions
//     and exp claims, verified against a shared secret.
//
// The verifier is pure: it performs no I/O and keeps no mutable state, so its
// error classification is the single source of truth for what the gateway
// reports on auth_error.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// GuestTTL is how long a guest token stays valid after the timestamp embedded
// in it.
const GuestTTL = 24 * time.Hour

// guestPrefix is the literal prefix of the guest token form.
const guestPrefix = "guest_"

// Verification failure kinds. They are disjoint: exactly one applies to any
// failed Verify call.
var (
	// ErrTokenRequired means no token was presented at all.
	ErrTokenRequired = errors.New("auth: authentication token required")

	// ErrTokenInvalid means the token is malformed or its signature does not
	// verify.
	ErrTokenInvalid = errors.New("auth: invalid authentication token")

	// ErrTokenExpired means the token is well-formed but past its expiry.
	ErrTokenExpired = errors.New("auth: authentication token expired")
)

// TokenPayload is the transient result of a successful verification. It is
// consumed to seed a session and never persisted.
type TokenPayload struct {
	UserID           string
	IsGuest          bool
	Email            string
	Roles            []string
	SubscriptionTier string
	Permissions      []string
	ExpiresAt        time.Time
}

// HasRole reports whether the payload carries the given role.
func (p *TokenPayload) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier validates guest and bearer credentials. The zero value is not
// usable; construct with [NewVerifier].
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// Option is a functional option for configuring a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source. Used by tests to pin expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier using secret to check bearer-token
// signatures. secret must be non-empty.
func NewVerifier(secret []byte, opts ...Option) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: secret must not be empty")
	}
	v := &Verifier{secret: secret, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Verify classifies token and returns its payload. An empty token yields
// [ErrTokenRequired]; a malformed or badly signed token yields
// [ErrTokenInvalid]; a well-formed token past expiry yields [ErrTokenExpired].
func (v *Verifier) Verify(token string) (*TokenPayload, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}
	if strings.HasPrefix(token, guestPrefix) {
		return v.verifyGuest(token)
	}
	return v.verifyBearer(token)
}

// verifyGuest parses the guest_<uuid>_<unix-ms> form.
func (v *Verifier) verifyGuest(token string) (*TokenPayload, error) {
	body := strings.TrimPrefix(token, guestPrefix)

	// The UUID itself contains no underscores, so the last one separates the
	// millisecond timestamp.
	sep := strings.LastIndexByte(body, '_')
	if sep <= 0 || sep == len(body)-1 {
		return nil, fmt.Errorf("%w: malformed guest token", ErrTokenInvalid)
	}
	id, tsPart := body[:sep], body[sep+1:]

	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: guest token uuid: %v", ErrTokenInvalid, err)
	}
	ms, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || ms <= 0 {
		return nil, fmt.Errorf("%w: guest token timestamp", ErrTokenInvalid)
	}

	expiresAt := time.UnixMilli(ms).Add(GuestTTL)
	if !v.now().Before(expiresAt) {
		return nil, ErrTokenExpired
	}

	return &TokenPayload{
		UserID:           "guest-" + id,
		IsGuest:          true,
		Roles:            []string{"guest"},
		SubscriptionTier: "free",
		Permissions:      []string{"conversation:read", "conversation:write"},
		ExpiresAt:        expiresAt,
	}, nil
}

// bearerClaims is the JWT claim set carried by non-guest tokens.
type bearerClaims struct {
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Tier        string   `json:"tier,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// verifyBearer parses and verifies an HS256 JWT.
func (v *Verifier) verifyBearer(token string) (*TokenPayload, error) {
	var claims bearerClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	tier := claims.Tier
	if tier == "" {
		tier = "free"
	}

	return &TokenPayload{
		UserID:           claims.Subject,
		IsGuest:          false,
		Email:            claims.Email,
		Roles:            claims.Roles,
		SubscriptionTier: tier,
		Permissions:      claims.Permissions,
		ExpiresAt:        claims.ExpiresAt.Time,
	}, nil
}
