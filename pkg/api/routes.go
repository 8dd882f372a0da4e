package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.RequestsPerMinute))
			}

			r.Get("/counts", s.handleCounts)
			r.Get("/renderers", s.handleListRenderers)
			r.Get("/categories", s.handleListCategories)
			r.Get("/keywords", s.handleListKeywords)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{renderer}/{category}/{test}", s.handleGetRun)

			// Commands.
			r.Group(func(r chi.Router) {
				if s.cfg.Auth.Enabled {
					r.Use(s.requireAuth)
				}

				r.Post("/renderers", s.handleCreateRenderer)
				r.Post("/categories", s.handleCreateCategory)
				r.Post("/tests", s.handleCreateTest)
				r.Post("/runs/execute", s.handleExecute)
				r.Post("/runs/cancel", s.handleCancel)

				r.Route("/runs/{renderer}/{category}/{test}", func(r chi.Router) {
					r.Post("/reference", s.handleReference)
					r.Post("/ignore", s.handleIgnore)
					r.Post("/dates", s.handleDates)
				})
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
