// Package server implements the HTTP transport layer for the Radagast gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/app"
	"github.com/eugener/radagast/internal/provider"
	"github.com/eugener/radagast/internal/ratelimit"
	"github.com/eugener/radagast/internal/session"
	"github.com/eugener/radagast/internal/telemetry"
)

// defaultSessionTTL applies when Deps.SessionTTL is unset.
const defaultSessionTTL = time.Hour

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records completed generations asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// TokenCounter estimates token counts when the back end reports none.
type TokenCounter interface {
	EstimateRequest(model string, messages []gateway.Message) int
	CountText(model string, text string) int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           gateway.Authenticator
	Engine         *app.Gateway
	Providers      *provider.Registry // for /models descriptors
	Sessions       session.Store
	SessionTTL     time.Duration
	Limiter        *ratelimit.Limiter // nil = no rate limiting
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil hides /metrics
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Usage          UsageRecorder      // nil = no usage recording
	TokenCounter   TokenCounter       // nil = no estimation fallback
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.SessionTTL <= 0 {
		deps.SessionTTL = defaultSessionTTL
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth, no rate limit)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing API (auth + rate limit)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/models", s.handleModels)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
	})

	return r
}

type server struct {
	deps Deps
}
