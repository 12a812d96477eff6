// SPDX-License-Identifier: MIT

// Package middleware holds the gateway's HTTP ingress stack.
package middleware

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/metrics"
)

// StackConfig configures the canonical HTTP ingress middleware stack.
type StackConfig struct {
	// Observability
	EnableMetrics  bool
	TracingService string // empty disables tracing
	EnableLogging  bool

	// Concurrency limit; 0 disables it. Requests beyond MaxInflight wait in a
	// backlog of the same size for up to BacklogTimeout.
	MaxInflight    int
	BacklogTimeout time.Duration

	// Per-IP rate limit in requests per minute; 0 disables it.
	RateLimitRPM       int
	RateLimitWhitelist []string
}

// NewRouter constructs a chi router with the full stack, limits included.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	ApplyLimits(r, cfg)
	return r
}

// ApplyStack applies the observability part of the stack to r.
func ApplyStack(r chi.Router, cfg StackConfig) {
	// 1. Recoverer (outermost safety net)
	r.Use(Recoverer)
	// 2. RequestID (correlation early)
	r.Use(RequestID)
	// 3. Tracing
	if cfg.TracingService != "" {
		r.Use(OTelHTTP(cfg.TracingService))
	}
	// 4. Metrics (track all requests, including throttled ones)
	if cfg.EnableMetrics {
		r.Use(metrics.Middleware())
	}
	// 5. Logging (wraps handlers, captures full latency)
	if cfg.EnableLogging {
		r.Use(log.Middleware())
	}
}

// ApplyLimits applies the admission limits. Probe and scrape routes stay
// outside of them.
func ApplyLimits(r chi.Router, cfg StackConfig) {
	// 6. Rate limit (per client)
	if cfg.RateLimitRPM > 0 {
		r.Use(RateLimit(RateLimitConfig{
			RequestLimit: cfg.RateLimitRPM,
			WindowSize:   time.Minute,
			Whitelist:    cfg.RateLimitWhitelist,
		}))
	}
	// 7. Concurrency limit (global)
	if cfg.MaxInflight > 0 {
		timeout := cfg.BacklogTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		r.Use(chimw.ThrottleBacklog(cfg.MaxInflight, cfg.MaxInflight, timeout))
	}
}
