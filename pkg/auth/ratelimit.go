package auth

import (
	"net/http"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
)

// PrincipalKey buckets requests by authenticated caller, falling back to the
// remote address for anonymous requests.
func PrincipalKey(r *http.Request) string {
	if p, err := GetPrincipal(r.Context()); err == nil {
		return "principal:" + p.ID.String()
	}
	return "ip:" + api.RemoteIP(r)
}

// RateLimitMiddleware enforces per-caller rate limiting. It must run after
// NewMiddleware so the principal is known. A nil limiter disables limiting.
func RateLimitMiddleware(rl *api.RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return rl.WithKeyFunc(PrincipalKey).Middleware
}
