package api

import (
	"encoding/json"
	"net/http"

	"github.com/mailsense/mailsense/triage-core/internal/api/handlers"
	"github.com/mailsense/mailsense/triage-core/internal/api/middleware"
	"github.com/mailsense/mailsense/triage-core/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.OrgExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Org-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Triage queue
		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.ListQueue)
			r.Post("/", h.SubmitMessage)
			r.Route("/{itemID}", func(r chi.Router) {
				r.Get("/", h.GetItem)
				r.Get("/attempts", h.ListAttempts)
				r.Get("/decision", h.GetReviewDecision)
				r.Post("/reenqueue", h.ReenqueueItem)
			})
		})

		// Human review
		r.Route("/review", func(r chi.Router) {
			r.Get("/", h.ListReview)
			r.Post("/{itemID}/resolve", h.ResolveReview)
		})

		// Learning loop
		r.Get("/learner/stats", h.LearnerStats)

		// Notification channels
		r.Route("/channels", func(r chi.Router) {
			r.Get("/", h.ListChannels)
			r.Post("/", h.CreateChannel)
			r.Delete("/{name}", h.DeleteChannel)
		})

		// Org preferences
		r.Route("/preferences", func(r chi.Router) {
			r.Get("/", h.GetPreferences)
			r.Put("/", h.PutPreferences)
		})

		// Model router
		r.Get("/models/drivers", h.ListDrivers)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "mailsense-triage-core",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "mailsense-triage-core",
		})
	}
}
