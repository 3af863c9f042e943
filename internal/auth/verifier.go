// Package auth resolves the owner identity of each API request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrEmailUnverified  = errors.New("email not verified")
	errUnexpectedIssuer = errors.New("unexpected issuer")
)

// Identity is the verified subject of a Google ID token.
type Identity struct {
	Subject string
	Email   string
}

// Owner is the key conversations are stored under.
func (i Identity) Owner() string {
	return strings.ToLower(i.Email)
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	jwt.RegisteredClaims
}

// Verifier checks Google ID tokens against the published JWKS.
type Verifier struct {
	jwks     *keyfunc.JWKS
	clientID string
}

func NewVerifier(ctx context.Context, jwksURL, clientID string, logger *slog.Logger) (*Verifier, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   time.Hour,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Error("jwks refresh error", "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	return &Verifier{jwks: jwks, clientID: clientID}, nil
}

func (v *Verifier) Verify(tokenString string) (Identity, error) {
	var claims googleClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, v.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !validIssuer(claims.Issuer) {
		return Identity{}, fmt.Errorf("%w: %w %q", ErrInvalidToken, errUnexpectedIssuer, claims.Issuer)
	}
	if claims.Email == "" || !verified(claims.EmailVerified) {
		return Identity{}, ErrEmailUnverified
	}
	return Identity{Subject: claims.Subject, Email: claims.Email}, nil
}

func (v *Verifier) Close() {
	v.jwks.EndBackground()
}

func validIssuer(iss string) bool {
	for _, allowed := range googleIssuers {
		if iss == allowed {
			return true
		}
	}
	return false
}

// Google has sent email_verified both as a bool and as a string.
func verified(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	}
	return false
}
