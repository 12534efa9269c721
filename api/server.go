/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for any operator dashboard

ROUTE GROUPS:
  POST /request_access   Mint a token (buyer)
  GET  /verify/{token}   Redeem a token (seller)
  POST /sweep_expired    Reclaim expired tokens (admin)
  GET  /invariants       Diagnostic conservation snapshot (admin)
  POST /admin/principals Provision a buyer or seller account (admin)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/broker/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Api-Key", "X-Admin-Key"},
		AllowCredentials: false,
	}))

	r.Get("/", rootHandler)

	r.Post("/request_access", h.RequestAccess)
	r.Get("/verify/{token}", h.Verify)
	r.Post("/sweep_expired", h.SweepExpired)
	r.Get("/invariants", h.Invariants)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/principals", h.CreatePrincipal)
	})

	return r
}

// serviceVersion is reported by GET / for operator/agent compatibility
// checks against the bridge this broker replaces.
const serviceVersion = "1.0.0"

func rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "online",
		"version": serviceVersion,
	})
}
