package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/api/respond"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/cache"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/detection"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/remedy"
)

var allowedImageTypes = []string{"image/jpeg", "image/png"}

// NearbyAlert is one entry of the nearby-alerts response.
type NearbyAlert struct {
	ID          int64     `json:"id"`
	Disease     string    `json:"disease"`
	DisplayName string    `json:"display_name"`
	Crop        string    `json:"crop,omitempty"`
	Confidence  float64   `json:"confidence"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	DistanceKm  float64   `json:"distance_km"`
	DetectedAt  time.Time `json:"detected_at"`
}

// NearbyAlertsResponse is the body of GET /nearby-alerts.
type NearbyAlertsResponse struct {
	Alerts   []NearbyAlert `json:"alerts"`
	Total    int           `json:"total"`
	RadiusKm float64       `json:"radius_km"`
}

// DetectImage classifies an uploaded leaf image.
// @Summary Detect crop disease
// @Description Classifies an image and returns remedies. With lat and lng, a diseased result is recorded and nearby users are alerted.
// @Tags detection
// @Accept multipart/form-data
// @Produce json
// @Param image formData file true "Leaf image (jpg/png)"
// @Param lat query number false "Latitude"
// @Param lng query number false "Longitude"
// @Success 200 {object} detection.DetectResult
// @Failure 400 {object} respond.ErrorResponse
// @Failure 413 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /detect-image [post]
func (h *Handler) DetectImage(w http.ResponseWriter, r *http.Request) {
	lat, err := optionalFloat(r, "lat")
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_LAT", "lat must be a number")
		return
	}
	lng, err := optionalFloat(r, "lng")
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_LNG", "lng must be a number")
		return
	}

	image, contentType, ok := h.readImage(w, r, true)
	if !ok {
		return
	}

	res, err := h.detect.Detect(r.Context(), detection.DetectRequest{
		Image:       image,
		ContentType: contentType,
		Lat:         lat,
		Lng:         lng,
	})
	switch {
	case errors.Is(err, detection.ErrInvalidLocation):
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_LOCATION", "Invalid location", err.Error())
		return
	case err != nil:
		slog.Error("Detect image failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "DETECTION_FAILED", "Error processing image")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, res)
}

// GetNearbyAlerts lists recent detections around a point.
// @Summary Nearby disease alerts
// @Description Returns detections of the last week within radius km, newest first. Responses are cached with ETag support.
// @Tags detection
// @Produce json
// @Param lat query number true "Latitude"
// @Param lng query number true "Longitude"
// @Param radius query number false "Search radius in km (default 10)"
// @Success 200 {object} NearbyAlertsResponse
// @Success 304 "Not modified"
// @Failure 400 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /nearby-alerts [get]
func (h *Handler) GetNearbyAlerts(w http.ResponseWriter, r *http.Request) {
	lat, errLat := optionalFloat(r, "lat")
	lng, errLng := optionalFloat(r, "lng")
	if errLat != nil || errLng != nil || lat == nil || lng == nil {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_LOCATION", "lat and lng query parameters are required")
		return
	}
	radius := h.cfg.NearbyRadiusKm
	if v, err := optionalFloat(r, "radius"); err != nil || (v != nil && *v <= 0) {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_RADIUS", "radius must be a positive number")
		return
	} else if v != nil {
		radius = *v
	}

	cacheKey := cache.NearbyKey(*lat, *lng, radius)
	ttl := h.cfg.CacheTTL

	if data, etag, ok := h.cache.Get(cacheKey); ok {
		if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
			respond.WriteNotModified(w, etag)
			return
		}
		respond.WriteJSON(w, data, etag, ttl, true)
		return
	}

	nearby, err := h.detect.NearbyAlerts(r.Context(), *lat, *lng, radius)
	switch {
	case errors.Is(err, detection.ErrInvalidLocation):
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_LOCATION", "Invalid location", err.Error())
		return
	case err != nil:
		slog.Error("Nearby alerts failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "NEARBY_FAILED", "Error retrieving nearby alerts")
		return
	}

	alerts := lo.Map(nearby, func(n models.NearbyDetection, _ int) NearbyAlert {
		return NearbyAlert{
			ID:          n.ID,
			Disease:     n.Disease,
			DisplayName: remedy.Lookup(n.Disease).DisplayName,
			Crop:        n.Crop,
			Confidence:  n.Confidence,
			Latitude:    n.Latitude,
			Longitude:   n.Longitude,
			DistanceKm:  n.DistanceKm,
			DetectedAt:  n.CreatedAt,
		}
	})
	data, err := json.Marshal(NearbyAlertsResponse{Alerts: alerts, Total: len(alerts), RadiusKm: radius})
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, "ENCODE_FAILED", "Error encoding response")
		return
	}

	etag := h.cache.Set(cacheKey, data)
	respond.WriteJSON(w, data, etag, ttl, false)
}

// ScanTreatment checks whether a product label treats a disease.
// @Summary Check a treatment product
// @Description Compares a scanned product label with the remedies recommended for a disease.
// @Tags detection
// @Accept multipart/form-data
// @Produce json
// @Param image formData file false "Product image (jpg/png)"
// @Param disease formData string true "Disease key or display name"
// @Param item_label formData string false "Scanned product name"
// @Success 200 {object} remedy.Evaluation
// @Failure 400 {object} respond.ErrorResponse
// @Failure 413 {object} respond.ErrorResponse
// @Router /scan-treatment [post]
func (h *Handler) ScanTreatment(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.readImage(w, r, false); !ok {
		return
	}
	disease := r.FormValue("disease")
	if disease == "" {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_DISEASE", "disease form field is required")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, remedy.EvaluateTreatment(disease, r.FormValue("item_label")))
}

// readImage parses the multipart body and returns the "image" part. It
// writes the error response itself and returns ok=false on failure.
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request, required bool) ([]byte, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.WriteError(w, http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE", "Image exceeds the upload limit")
			return nil, "", false
		}
		if required || !errors.Is(err, http.ErrNotMultipart) {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_FORM", "Expected a multipart/form-data body")
			return nil, "", false
		}
		// Plain form bodies are fine when no image is needed.
		_ = r.ParseForm()
		return nil, "", true
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) && !required {
		return nil, "", true
	}
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "MISSING_IMAGE", "image file is required")
		return nil, "", false
	}
	defer file.Close()

	contentType := partType(header)
	if contentType != "" && !lo.Contains(allowedImageTypes, contentType) {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_IMAGE_TYPE",
			"Invalid image type", "allowed: image/jpeg, image/png; got "+contentType)
		return nil, "", false
	}

	data, err := io.ReadAll(file)
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_IMAGE", "Could not read image")
		return nil, "", false
	}
	if len(data) == 0 {
		respond.WriteError(w, http.StatusBadRequest, "EMPTY_IMAGE", "image file is empty")
		return nil, "", false
	}
	return data, contentType, true
}

func partType(header *multipart.FileHeader) string {
	ct := header.Header.Get("Content-Type")
	if ct == "application/octet-stream" {
		return ""
	}
	return ct
}

func optionalFloat(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
