// Package auth verifies session tokens issued by the identity provider
// and carries the resulting Identity through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/cardsync/internal/httputil"
)

var (
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid session token")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// Claims are the session token claims read by the service. The subject is
// the internal user ID.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 session tokens.
type Verifier struct {
	secret   []byte
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) Option {
	return func(v *Verifier) { v.audience = audience }
}

// WithLeeway tolerates clock skew on exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// WithTimeFunc overrides the clock used for expiry checks.
func WithTimeFunc(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier for the shared signing secret.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session secret is required")
	}
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses and validates token.
func (v *Verifier) Verify(token string) (Identity, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{UserID: claims.Subject, Email: strings.TrimSpace(claims.Email)}, nil
}

// Sign issues a token for id. It exists for tests and local tooling.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the Identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// FromRequest is FromContext on the request context.
func FromRequest(r *http.Request) (Identity, bool) {
	return FromContext(r.Context())
}

// Middleware rejects requests without a valid session token with 401 and
// stores the Identity in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}
		id, err := v.Verify(token)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "Invalid session")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
