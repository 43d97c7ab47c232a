package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/traffic-control-plane/app"
	"github.com/upb/traffic-control-plane/config"
	"github.com/upb/traffic-control-plane/middleware"
	"github.com/upb/traffic-control-plane/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// Health check endpoints
	r.Get("/health", deps.HealthHandler.HandleHealth)
	r.Get("/health/ready", deps.HealthHandler.HandleReadiness)

	adminRole := deps.Config.Auth.AdminRole
	limits := deps.RateLimitMiddleware

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Anonymous callers are limited by origin address
		r.Use(deps.AuthMiddleware.OptionalAuth)

		r.Route("/flags", func(r chi.Router) {
			r.With(limits.Limit(config.RouteFlags)).Get("/", deps.FlagHandler.HandleList)
			r.With(limits.Limit(config.RouteFlags)).Get("/{name}", deps.FlagHandler.HandleCheck)

			r.Group(func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireAuth)
				r.Use(deps.AuthMiddleware.RequireRole(adminRole))
				r.Use(limits.Limit(config.RouteAdmin))
				r.Post("/{name}/toggle", deps.FlagHandler.HandleToggle)
			})
		})

		// Audit trail (require admin role)
		r.Route("/audit", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole(adminRole))
			r.Use(limits.Limit(config.RouteAdmin))
			r.Get("/users/{id}", deps.AuditHandler.HandleUserTrail)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
