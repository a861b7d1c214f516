// Package auth resolves the user a request acts for.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity means the request carries no usable identity
var ErrNoIdentity = errors.New("no authenticated user")

// Authenticator resolves the user id for a request
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// JWTVerifier accepts HS256 bearer tokens and uses the subject as the user id
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTVerifier creates a verifier. issuer and audience are checked only when non-empty.
func NewJWTVerifier(secret, issuer, audience string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Authenticate validates the bearer token in the Authorization header
func (v *JWTVerifier) Authenticate(r *http.Request) (string, error) {
	raw, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return "", err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: validating token: %w", ErrNoIdentity, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrNoIdentity)
	}
	return sub, nil
}

func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrNoIdentity)
	}
	return strings.TrimSpace(token), nil
}

// Static authenticates every request as the same user. Used when no token secret is configured.
type Static string

// Authenticate returns the configured user
func (s Static) Authenticate(*http.Request) (string, error) {
	if s == "" {
		return "", ErrNoIdentity
	}
	return string(s), nil
}

// New picks the authenticator for the configuration
func New(secret, issuer, audience, defaultUser string) (Authenticator, error) {
	if secret == "" {
		slog.Warn("No auth secret configured, serving a single local user", "user", defaultUser)
		return Static(defaultUser), nil
	}
	return NewJWTVerifier(secret, issuer, audience)
}

type ctxKey struct{}

// WithUser stores the resolved user id on the context
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFromContext returns the user id stored by WithUser
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ctxKey{}).(string)
	return userID, ok && userID != ""
}
