package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

const (
	// OwnerHeader names the owner when token verification is disabled.
	OwnerHeader  = "X-Parley-Owner"
	DefaultOwner = "local"
)

type ctxKey struct{}

func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ctxKey{}, owner)
}

func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ctxKey{}).(string)
	return owner, ok && owner != ""
}

// TokenVerifier is satisfied by *Verifier.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

type Authenticator struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewAuthenticator returns an authenticator. A nil verifier trusts the
// OwnerHeader instead of verifying tokens.
func NewAuthenticator(verifier TokenVerifier, logger *slog.Logger) *Authenticator {
	return &Authenticator{verifier: verifier, logger: logger}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := a.owner(r)
		if err != nil {
			a.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}

func (a *Authenticator) owner(r *http.Request) (string, error) {
	if a.verifier == nil {
		if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
			return owner, nil
		}
		return DefaultOwner, nil
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return "", ErrMissingToken
	}
	id, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return id.Owner(), nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func unauthorized(w http.ResponseWriter, err error) {
	msg := ErrInvalidToken.Error()
	switch {
	case errors.Is(err, ErrMissingToken):
		msg = ErrMissingToken.Error()
	case errors.Is(err, ErrEmailUnverified):
		msg = ErrEmailUnverified.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="parley"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
