// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api is the HTTP gateway: an OpenAI-compatible chat completions
// endpoint backed by RLM sessions, plus direct session endpoints and probes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/rlmd/internal/api/middleware"
	"github.com/ManuGH/rlmd/internal/broker"
	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/health"
	"github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/sandbox"
)

// Sessions is the broker surface the gateway uses.
type Sessions interface {
	Run(ctx context.Context, id string, cmd broker.Command) (sandbox.Result, error)
	Close(ctx context.Context, id string) error
	Lookup(ctx context.Context, id string) (broker.SessionInfo, bool, error)
	Sessions(ctx context.Context) ([]broker.SessionInfo, error)
	Stats(ctx context.Context) (broker.Stats, error)
}

// Completer answers a query over a context inside a session.
type Completer interface {
	Completion(ctx context.Context, sessionID, query string, contextData any) (string, error)
}

// Deps bundles the gateway's collaborators.
type Deps struct {
	Sessions Sessions
	Engine   Completer
	Health   *health.Manager
	// Model is the configured root model; requests naming another are rejected.
	Model string
}

// Server serves the gateway routes.
type Server struct {
	cfg      config.ServerConfig
	sessions Sessions
	engine   Completer
	health   *health.Manager
	model    string
	tracing  string
	log      zerolog.Logger
	now      func() time.Time
	handler  http.Handler
}

// Option customizes a Server.
type Option func(*Server)

// WithTracing enables otelhttp spans under serviceName.
func WithTracing(serviceName string) Option {
	return func(s *Server) { s.tracing = serviceName }
}

// WithClock overrides the clock used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds the gateway.
func New(cfg config.ServerConfig, deps Deps, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		engine:   deps.Engine,
		health:   deps.Health,
		model:    deps.Model,
		log:      log.WithComponent("api"),
		now:      time.Now,
	}
	if s.health == nil {
		s.health = health.NewManager("")
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	middleware.ApplyStack(r, middleware.StackConfig{
		EnableMetrics:  true,
		EnableLogging:  true,
		TracingService: s.tracing,
	})

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		middleware.ApplyLimits(r, middleware.StackConfig{
			MaxInflight:        s.cfg.MaxInflight,
			BacklogTimeout:     s.cfg.RequestTimeout,
			RateLimitRPM:       s.cfg.RateLimitRPM,
			RateLimitWhitelist: s.cfg.RateLimitAllow,
		})
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/execute", s.handleExecute)
			r.Get("/variables/{name}", s.handleGetVariable)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, &requestError{status: http.StatusNotFound, code: "NOT_FOUND", detail: "no route for " + r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, &requestError{status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED", detail: r.Method + " not allowed"})
	})
	return r
}

// withTimeout bounds how long a handler waits on the broker. The session
// keeps running whatever command it was given.
func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
}
