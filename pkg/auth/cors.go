package auth

import (
	"net/http"
	"strings"
)

// corsHeaders are the request headers a browser console may send.
var corsHeaders = strings.Join([]string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"}, ", ")

// CORS admits browser consoles served from a fixed set of origins. "*"
// admits any origin. An empty set admits none.
type CORS struct {
	origins  map[string]struct{}
	wildcard bool
}

// NewCORS builds a policy for the given origins.
func NewCORS(origins []string) *CORS {
	c := &CORS{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			c.wildcard = true
		default:
			c.origins[o] = struct{}{}
		}
	}
	return c
}

// Allows reports whether origin may call the API.
func (c *CORS) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	if c.wildcard {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

// Middleware answers preflight requests and decorates responses to admitted
// origins. Requests from other origins pass through undecorated.
func (c *CORS) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !c.Allows(origin) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID, Idempotent-Replayed")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT")
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
