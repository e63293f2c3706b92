package middleware

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/cors"

	"github.com/Davincible/claude-code-mux/internal/config"
)

// Middleware represents a middleware function
type Middleware func(http.Handler) http.Handler

// Chain represents a middleware chain
type Chain struct {
	middlewares []Middleware
}

// New creates a new middleware chain
func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then adds more middleware to the chain
func (c Chain) Then(middlewares ...Middleware) Chain {
	return Chain{middlewares: append(c.middlewares, middlewares...)}
}

// Handler applies all middleware in the chain to the given handler
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// MiddlewareSet contains all configured middleware for easy composition
type MiddlewareSet struct {
	RequestID        Middleware
	CORS             Middleware
	TelemetryBlocker Middleware
	Logging          Middleware
	Auth             Middleware
}

// NewMiddlewareSet builds the middleware from the configuration loaded at
// startup. Auth and the telemetry switch follow reloads.
func NewMiddlewareSet(manager *config.Manager, logger *slog.Logger) MiddlewareSet {
	cfg := manager.Get()

	origins := cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return MiddlewareSet{
		RequestID: NewRequestIDMiddleware(),
		CORS: cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{RequestIDHeader},
			MaxAge:         300,
		}),
		TelemetryBlocker: NewTelemetryBlockerMiddleware(logger, func() bool {
			return !manager.Get().AllowTelemetry
		}),
		Logging: NewLoggingMiddleware(logger),
		Auth:    NewAuthMiddleware(manager, logger),
	}
}

// DefaultChain returns the standard middleware chain for proxy endpoints
func (ms MiddlewareSet) DefaultChain() Chain {
	return New(
		ms.RequestID,
		ms.CORS,
		ms.TelemetryBlocker,
		ms.Logging,
		ms.Auth,
	)
}

// HealthChain returns the middleware chain for health endpoints (no auth)
func (ms MiddlewareSet) HealthChain() Chain {
	return New(
		ms.RequestID,
		ms.TelemetryBlocker,
		ms.Logging,
	)
}

// PublicChain returns the middleware chain for public endpoints (no auth, minimal logging)
func (ms MiddlewareSet) PublicChain() Chain {
	return New(
		ms.RequestID,
		ms.TelemetryBlocker,
	)
}
