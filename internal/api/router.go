package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Rrens/pagemind/internal/api/handler"
	customMiddleware "github.com/Rrens/pagemind/internal/api/middleware"
	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/llm"
	"github.com/Rrens/pagemind/internal/security"
)

// Dependencies are the components the HTTP layer serves.
type Dependencies struct {
	Model    handler.ModelService
	Pages    handler.PageExtractor
	Backends *llm.Router
	Stream   http.Handler
	Tokens   *security.TokenManager
}

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	runtimeHandler := handler.NewRuntimeHandler(deps.Model, deps.Pages)
	authMiddleware := customMiddleware.NewAuthMiddleware(deps.Tokens)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))

			r.Get("/health", handler.HealthCheck)
			r.Get("/ready", handler.ReadyCheck(deps.Model))
		})

		// Protected routes. Generations have no deadline.
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Get("/backends", handler.ListBackends(deps.Backends))
			r.Post("/runtime/message", runtimeHandler.Message)
			r.Get("/runtime/stream", deps.Stream.ServeHTTP)
		})
	})

	return r
}
