package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/analytics-control-plane/app"
	"github.com/upb/analytics-control-plane/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)

		r.Route("/queries", func(r chi.Router) {
			r.Post("/", deps.QueryHandler.HandleRun)
			r.Post("/compile", deps.QueryHandler.HandleCompile)
		})

		r.Route("/evidence", func(r chi.Router) {
			r.Get("/", deps.EvidenceHandler.HandleList)
			r.Post("/verify", deps.EvidenceHandler.HandleVerify)
			r.With(deps.AuthMiddleware.RequireRole(deps.Config.Auth.AdminRole)).
				Get("/denials", deps.EvidenceHandler.HandleListDenials)
			r.Get("/{id}", deps.EvidenceHandler.HandleGet)
		})

		r.Get("/catalog/metrics", deps.CatalogHandler.HandleSearch)
		r.Get("/stats", deps.AdminHandler.HandleStats)

		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireRole(deps.Config.Auth.AdminRole))
			r.Post("/reload", deps.AdminHandler.HandleReload)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
