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

	if s.cfg.RateLimit.Enabled {
		r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.RequestsPerMinute))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Runner endpoints.
		r.Route("/runners", func(r chi.Router) {
			r.Use(s.requireToken(s.cfg.RunnerTokenHash))

			r.Post("/", s.handleRegisterRunner)
			r.Get("/files/*", s.handleFile)

			r.Route("/{runnerID}", func(r chi.Router) {
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Post("/claim", s.handleClaim)

				r.Route("/results/{resultID}/{attempt}", func(r chi.Router) {
					r.Post("/steps/skip", s.handleSkipSteps)
					r.Post("/steps/{stepID}/start", s.handleStartStep)
					r.Post("/steps/{stepID}/finish", s.handleFinishStep)
					r.Post("/steps/{stepID}/comments", s.handleComments)
					r.Post("/finish", s.handleFinishResult)
				})
			})
		})

		// Platform endpoints.
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken(s.cfg.APITokenHash))

			r.Post("/assignments/{assignmentID}/submissions", s.handleCreateSubmission)
			r.Get("/runs/{runID}", s.handleGetRun)
			r.Get("/results/{resultID}", s.handleGetResult)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
