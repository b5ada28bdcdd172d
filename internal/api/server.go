package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/api/handler"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/cache"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/detection"
)

// Deps are the components the router serves.
type Deps struct {
	Store     handler.Store
	Detection *detection.Service
	Cache     *cache.Cache
	Queue     handler.QueueStats // nil when alerts run in a separate worker
	Live      http.Handler       // websocket feed; nil disables /ws/alerts
}

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(deps Deps, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Content-Type", "If-None-Match", "Cache-Control", "Authorization", "X-API-Key"},
		ExposedHeaders:   []string{"X-Process-Time", "X-Cache", "ETag"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	// Live feed is mounted outside the timing and gzip wrappers.
	if deps.Live != nil {
		r.Handle("/ws/alerts", deps.Live)
	}

	// --- Handler dependencies ---
	h := handler.New(deps.Store, deps.Detection, deps.Cache, deps.Queue, cfg)

	// --- Routes ---
	r.Group(func(r chi.Router) {
		r.Use(TimingMiddleware)
		r.Use(middleware.Compress(5)) // gzip

		// Root
		r.Get("/", h.Root)
		r.Get("/version", h.Version)

		// Health checks
		r.Route("/health", func(r chi.Router) {
			r.Get("/", h.HealthCheck)
			r.Get("/db", h.HealthCheckDB)
			r.Get("/cache", h.HealthCheckCache)
		})

		// Swagger UI
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/docs/doc.json")))

		// API v1 routes
		r.Route("/api/v1", func(r chi.Router) {
			// Detection
			r.Post("/detect-image", h.DetectImage)
			r.Get("/nearby-alerts", h.GetNearbyAlerts)
			r.Post("/scan-treatment", h.ScanTreatment)

			// Users
			r.Group(func(r chi.Router) {
				r.Use(APIKeyMiddleware(cfg.APIKeys))
				r.Post("/users", h.CreateUser)
				r.Patch("/users/{userID}", h.UpdateUser)
				r.Get("/users/{userID}/alerts", h.GetUserAlerts)
			})
		})
	})

	return r
}
