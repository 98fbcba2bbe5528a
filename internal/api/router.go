// Package api builds the HTTP router for the HLCS gateway.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hlcs/hlcs/internal/api/handlers"
	"github.com/hlcs/hlcs/internal/api/middleware"
	"github.com/hlcs/hlcs/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Identity(middleware.HeaderAuthenticator{}, cfg.OperatorToken))
	r.Use(middleware.Telemetry)
	r.Use(limiter.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-Operator-Token", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Health & metrics
	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/v1", func(r chi.Router) {
		r.Post("/query", h.Query)
		r.Get("/status", h.Status)
		r.Get("/capabilities", h.Capabilities)
		r.Post("/memory/consolidate", h.Consolidate)

		r.Route("/flags", func(r chi.Router) {
			r.Get("/", h.ListFlags)
			r.Post("/", h.SetFlag)
		})

		r.Route("/planning", func(r chi.Router) {
			r.Route("/goals", func(r chi.Router) {
				r.Get("/", h.ListGoals)
				r.Post("/", h.CreateGoal)
				r.Route("/{goalID}", func(r chi.Router) {
					r.Get("/", h.GetGoal)
					r.Post("/cancel", h.CancelGoal)
					r.Post("/milestones", h.RecordMilestone)
				})
			})
			r.Route("/plans", func(r chi.Router) {
				r.Post("/", h.CreatePlan)
				r.Route("/{planID}", func(r chi.Router) {
					r.Get("/", h.GetPlan)
					r.Post("/execute", h.ExecutePlan)
				})
			})
			r.Post("/milestones/{milestoneID}/check", h.CheckMilestone)
			r.Route("/scenarios", func(r chi.Router) {
				r.Post("/", h.CreateScenario)
				r.Post("/{scenarioID}/simulate", h.SimulateScenario)
			})
			r.Route("/hypotheses", func(r chi.Router) {
				r.Post("/", h.CreateHypothesis)
				r.Post("/{hypothesisID}/test", h.TestHypothesis)
			})
		})

		r.Route("/sci", func(r chi.Router) {
			r.Route("/participants", func(r chi.Router) {
				r.Get("/", h.ListParticipants)
				r.Post("/", h.RegisterParticipant)
			})
			r.Route("/decisions", func(r chi.Router) {
				r.Post("/", h.OpenDecision)
				r.Get("/{decisionID}", h.GetDecision)
				r.Post("/{decisionID}/tally", h.TallyDecision)
			})
			r.Post("/votes", h.CastVote)
		})
	})

	// RPC surface with the equivalent schema
	r.Post("/rpc", h.RPC)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "hlcs-core",
	})
}
