package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	requestIDKey contextKey = "request_id"
)

// ErrNoPrincipal is returned when a request carries no authenticated caller.
var ErrNoPrincipal = errors.New("no principal in context")

// Principal is the authenticated caller of a request.
type Principal struct {
	ID    contracts.Principal
	Roles []string
}

// HasRole reports whether the caller was granted role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.ID.IsZero() {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}

// Caller returns the timelock principal of the authenticated caller.
func Caller(ctx context.Context) (contracts.Principal, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// RequestIDMiddleware tags each request with an ID, echoed in X-Request-ID.
// A client-supplied ID is kept when it is a sane length.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
