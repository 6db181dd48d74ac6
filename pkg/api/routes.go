package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethpandaops/genomewiz/pkg/role"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Get("/health", s.handleHealth)

	if s.cfg.Server.Metrics {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/auth", func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Auth))
		}

		if s.exchange != nil {
			r.Get("/login", s.handleLogin)
			r.Get("/callback", s.handleCallback)
		}

		r.Get("/signed-in", s.handleSignedIn)
		r.Get("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/me", s.handleMe)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Authenticated))
		}

		r.Route("/sv", func(r chi.Router) {
			r.Get("/", s.handleListSVs)
			r.With(s.requireRoles(role.Admin)).Post("/", s.handleCreateSV)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSV)
				r.Get("/labels", s.handleListLabels)
				r.With(s.requireRoles(role.Admin, role.Curator)).
					Post("/labels", s.handleCreateLabel)
				r.With(s.requireRoles(role.Admin, role.Curator)).
					Get("/consensus", s.handleGetConsensus)
			})
		})

		// Admin endpoints.
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireRoles(role.Admin))

			r.Get("/users", s.handleListUsers)
			r.Post("/users/{id}/roles", s.handleGrantRole)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

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
