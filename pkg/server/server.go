// Package server exposes the timelock engine over HTTP.
//
// Every route except /health requires a bearer token whose subject is the
// calling principal. Mutating routes honor the Idempotency-Key header.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
	"github.com/Mindburn-Labs/helm-timelock/pkg/audit"
	"github.com/Mindburn-Labs/helm-timelock/pkg/auth"
	"github.com/Mindburn-Labs/helm-timelock/pkg/engine"
	"github.com/Mindburn-Labs/helm-timelock/pkg/identity"
)

const maxBodyBytes = 1 << 20

// Options configures the optional parts of a Server.
type Options struct {
	// Validator authenticates callers. Nil rejects every protected route.
	Validator *auth.JWTValidator
	// RateLimiter bounds requests per principal. Nil disables limiting.
	RateLimiter *api.RateLimiter
	// Idempotency replays mutating responses. Nil disables replay.
	Idempotency api.IdempotencyStore
	// Journal backs GET /v1/events. Nil answers 404.
	Journal     *audit.Journal
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server routes HTTP requests to an Engine.
type Server struct {
	engine  *engine.Engine
	opts    Options
	logger  *slog.Logger
	handler http.Handler
}

// New builds the router.
func New(eng *engine.Engine, opts Options) *Server {
	s := &Server{engine: eng, opts: opts, logger: opts.Logger}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "api")
	}
	s.handler = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// HTTPServer wraps the router in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(auth.NewCORS(s.opts.CORSOrigins).Middleware)
	r.Use(auth.NewMiddleware(s.opts.Validator))
	r.Use(auth.RateLimitMiddleware(s.opts.RateLimiter))
	if s.opts.Idempotency != nil {
		r.Use(api.NewIdempotency(s.opts.Idempotency, auth.PrincipalKey).Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteNotFound(w, "No route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		api.WriteMethodNotAllowed(w)
	})

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Put("/configs/{announcer}", s.setConfig)
		r.Get("/configs/{executor}/{announcer}", s.getConfig)
		r.Post("/announcements", s.announce)
		r.Get("/announcements/{fingerprint}", s.status)
		r.Post("/approvals", s.approve)
		r.Post("/revocations", s.revoke)
		r.Post("/executions", s.execute)
		r.Post("/fingerprints", s.fingerprint)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(identity.RoleOperator))
			r.Post("/prune", s.prune)
			r.Get("/events", s.events)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", auth.GetRequestID(r.Context()),
		)
	})
}

// decode reads a JSON body strictly into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
