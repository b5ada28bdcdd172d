// Package handler provides HTTP handlers for all API endpoints.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/api/respond"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/cache"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/detection"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

// Version is reported by /version and the root endpoint.
const Version = "1.0.0"

// Store is the persistence the handlers read and write directly.
type Store interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, user models.UserProfile) (models.UserProfile, error)
	GetUser(ctx context.Context, id int64) (models.UserProfile, error)
	UpdateUser(ctx context.Context, id int64, update models.UserUpdate) (models.UserProfile, error)
	ListUserAlerts(ctx context.Context, userID int64, limit int) ([]models.SentAlert, error)
}

// QueueStats reports the alert dispatcher backlog.
type QueueStats interface {
	Pending() int
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	store  Store
	detect *detection.Service
	cache  *cache.Cache
	queue  QueueStats
	cfg    *config.Config
}

// New creates a Handler with shared dependencies. queue may be nil when
// alerts are processed by a separate worker.
func New(store Store, detect *detection.Service, c *cache.Cache, queue QueueStats, cfg *config.Config) *Handler {
	return &Handler{
		store:  store,
		detect: detect,
		cache:  c,
		queue:  queue,
		cfg:    cfg,
	}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version, status and the active alert settings.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"name":    "ArogyaKrishi API",
		"version": Version,
		"status":  "running",
		"docs":    "/docs",
		"alerts": map[string]any{
			"min_confidence": h.cfg.AlertMinConfidence,
			"radius_km":      h.cfg.AlertRadiusKm,
			"window_hours":   h.cfg.AlertWindow.Hours(),
			"dispatch_mode":  h.cfg.DispatchMode,
		},
	})
}

// Version reports the API version.
// @Summary API version
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]string
// @Router /version [get]
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]string{"version": Version})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.queue != nil {
		body["alert_queue"] = h.queue.Pending()
	}
	respond.WriteJSONObject(w, http.StatusOK, body)
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies connectivity to the configured store.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"database":  "disconnected",
			"driver":    h.cfg.StoreDriver,
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"database":  "connected",
		"driver":    h.cfg.StoreDriver,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckCache returns cache statistics.
// @Summary Cache health check
// @Description Returns in-memory cache statistics.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health/cache [get]
func (h *Handler) HealthCheckCache(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"cache":     h.cache.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
