// Package server assembles the HTTP and gRPC servers.
package server

import (
	"net/http"

	"github.com/rs/cors"

	"session-control-plane/backend/internal/health"
	"session-control-plane/backend/internal/server/middleware"
	"session-control-plane/backend/internal/session/handler"
)

// HTTPDeps holds the HTTP server's collaborators.
type HTTPDeps struct {
	Sessions handler.Sessions
	Auth     *middleware.Auth
	// Health backs /readyz. If nil, readiness always passes.
	Health *health.Checker
	// CORSOrigins lists allowed browser origins. Empty disables cross-origin access.
	CORSOrigins []string
}

// NewHTTPHandler returns the routed, CORS-wrapped HTTP handler.
func NewHTTPHandler(deps HTTPDeps) http.Handler {
	mux := http.NewServeMux()
	checker := deps.Health
	if checker == nil {
		checker = health.NewChecker()
	}
	mux.HandleFunc("GET /healthz", health.Liveness)
	mux.HandleFunc("GET /readyz", checker.Readiness)
	handler.New(deps.Sessions).Register(mux, deps.Auth)

	c := cors.New(cors.Options{
		AllowedOrigins: deps.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	})
	return c.Handler(mux)
}
