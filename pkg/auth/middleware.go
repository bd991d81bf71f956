// Package auth authenticates HTTP callers of the timelock API and binds each
// request to the principal named by its bearer token.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
	"github.com/Mindburn-Labs/helm-timelock/pkg/identity"
)

var (
	errNoCredentials = errors.New("missing Authorization header")
	errBadScheme     = errors.New("expected 'Authorization: Bearer <token>'")
	errBadToken      = errors.New("invalid or expired token")
	errNoValidator   = errors.New("authentication not configured")
)

// JWTValidator resolves bearer tokens to principals.
type JWTValidator struct {
	tokens *identity.TokenManager
}

// NewJWTValidator creates a validator over ks. A nil ks yields a nil
// validator, which rejects every protected request.
func NewJWTValidator(ks identity.KeySet) *JWTValidator {
	if ks == nil {
		return nil
	}
	return &JWTValidator{tokens: identity.NewTokenManager(ks)}
}

// Authenticate resolves the caller of r from its Authorization header.
func (v *JWTValidator) Authenticate(r *http.Request) (Principal, error) {
	if v == nil {
		return Principal{}, errNoValidator
	}
	tok, err := bearerToken(r)
	if err != nil {
		return Principal{}, err
	}
	claims, err := v.tokens.Validate(tok)
	if err != nil {
		return Principal{}, errBadToken
	}
	return Principal{ID: claims.Principal(), Roles: claims.Roles}, nil
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errNoCredentials
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", errBadScheme
	}
	return strings.TrimSpace(tok), nil
}

// NewMiddleware requires a valid bearer token on every path except /health
// and stores the caller in the request context. A nil validator rejects
// every protected request.
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			p, err := validator.Authenticate(r)
			if err != nil {
				api.WriteUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects callers whose token does not grant role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := GetPrincipal(r.Context())
			if err != nil {
				api.WriteUnauthorized(w, "")
				return
			}
			if !p.HasRole(role) {
				api.WriteForbidden(w, "The "+role+" role is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
