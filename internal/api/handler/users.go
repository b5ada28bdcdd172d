package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/api/respond"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/store"
)

const maxUserBody = 64 << 10

// CreateUserRequest registers a device. NotificationsEnabled defaults to true.
type CreateUserRequest struct {
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	DeviceToken          *string `json:"device_token"`
	NotificationsEnabled *bool   `json:"notifications_enabled"`
}

// UserAlertsResponse is the sent-alert history of one user.
type UserAlertsResponse struct {
	UserID int64              `json:"user_id"`
	Alerts []models.SentAlert `json:"alerts"`
	Total  int                `json:"total"`
}

// CreateUser registers a user location and push token.
// @Summary Register a user
// @Tags users
// @Accept json
// @Produce json
// @Param body body CreateUserRequest true "User"
// @Success 201 {object} models.UserProfile
// @Failure 400 {object} respond.ErrorResponse
// @Failure 401 {object} respond.ErrorResponse
// @Router /users [post]
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := checkCoordinates(&req.Latitude, &req.Longitude); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_LOCATION", "Invalid location", err.Error())
		return
	}

	user := models.UserProfile{
		Latitude:             req.Latitude,
		Longitude:            req.Longitude,
		DeviceToken:          req.DeviceToken,
		NotificationsEnabled: req.NotificationsEnabled == nil || *req.NotificationsEnabled,
	}
	created, err := h.store.CreateUser(r.Context(), user)
	if err != nil {
		slog.Error("Create user failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "CREATE_FAILED", "Could not create user")
		return
	}
	respond.WriteJSONObject(w, http.StatusCreated, created)
}

// UpdateUser changes a user's location, push token or notification setting.
// @Summary Update a user
// @Description Partial update; omitted fields are left unchanged.
// @Tags users
// @Accept json
// @Produce json
// @Param userID path int true "User ID"
// @Param body body models.UserUpdate true "Changes"
// @Success 200 {object} models.UserProfile
// @Failure 400 {object} respond.ErrorResponse
// @Failure 401 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Router /users/{userID} [patch]
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var upd models.UserUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	if err := checkCoordinates(upd.Latitude, upd.Longitude); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_LOCATION", "Invalid location", err.Error())
		return
	}

	user, err := h.store.UpdateUser(r.Context(), id, upd)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("user %d not found", id))
		return
	case err != nil:
		slog.Error("Update user failed", "user_id", id, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "UPDATE_FAILED", "Could not update user")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, user)
}

// GetUserAlerts lists the alerts sent to a user, newest first.
// @Summary User alert history
// @Tags users
// @Produce json
// @Param userID path int true "User ID"
// @Param limit query int false "Max alerts (1-100, default 20)"
// @Success 200 {object} UserAlertsResponse
// @Failure 400 {object} respond.ErrorResponse
// @Failure 401 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Router /users/{userID}/alerts [get]
func (h *Handler) GetUserAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n >= 1 && n <= 100 {
			limit = n
		}
	}

	if _, err := h.store.GetUser(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("user %d not found", id))
			return
		}
		slog.Error("Get user failed", "user_id", id, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "LOOKUP_FAILED", "Could not load user")
		return
	}

	alerts, err := h.store.ListUserAlerts(r.Context(), id, limit)
	if err != nil {
		slog.Error("List user alerts failed", "user_id", id, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "LOOKUP_FAILED", "Could not load alerts")
		return
	}
	if alerts == nil {
		alerts = []models.SentAlert{}
	}
	respond.WriteJSONObject(w, http.StatusOK, UserAlertsResponse{UserID: id, Alerts: alerts, Total: len(alerts)})
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id < 1 {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_ID", "userID must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUserBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", err.Error())
		return false
	}
	return true
}

func checkCoordinates(lat, lng *float64) error {
	if lat != nil && (*lat < -90 || *lat > 90) {
		return fmt.Errorf("latitude %v out of range", *lat)
	}
	if lng != nil && (*lng < -180 || *lng > 180) {
		return fmt.Errorf("longitude %v out of range", *lng)
	}
	return nil
}
