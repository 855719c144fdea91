/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

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
  4. CORS:       Cross-origin requests for operational tooling

ROUTE GROUPS:
  /api/claims/*      Claim adjudication and voids
  /api/members/*     Accumulators and coverage layers
  /api/policies/*    Fund balances and top-ups
  /api/benefits      Benefit configuration
  /api/plans/*       Benefit version lookups
  /api/seeds/*       Demo datasets

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Claim routes
		r.Route("/claims", func(r chi.Router) {
			r.Post("/", h.SubmitClaim)
			r.Get("/{id}", h.GetClaim)
			r.Get("/{id}/results", h.GetClaimResults)
			r.Post("/{id}/void", h.VoidClaim)
		})

		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Get("/{id}/accumulators", h.GetAccumulators)
			r.Get("/{id}/layers", h.GetLayers)
		})

		// Policy funding routes
		r.Route("/policies", func(r chi.Router) {
			r.Get("/{id}/funding", h.GetFunding)
			r.Post("/{id}/funding/topup", h.TopUpFunding)
		})

		// Benefit configuration routes
		r.Post("/benefits", h.CreateBenefit)
		r.Get("/plans/{plan}/benefits/{code}", h.ListBenefitVersions)
		r.Post("/assignments", h.CreateAssignment)

		// Seed routes
		r.Route("/seeds", func(r chi.Router) {
			r.Get("/", h.ListSeeds)
			r.Post("/load", h.LoadSeed)
		})
	})

	return r
}
