// Package detection runs the image detection flow: archive the upload,
// classify it, record diseased observations, and hand them to the alert path.
// It also answers nearby-alert queries for the map view.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/cache"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/classifier"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/geo"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/remedy"
)

// ErrInvalidLocation is returned for half-specified or out-of-range coordinates.
var ErrInvalidLocation = errors.New("invalid location")

// Store is the persistence the service needs.
type Store interface {
	CreateDetection(ctx context.Context, event models.DetectionEvent) (models.DetectionEvent, error)
	RecentDetections(ctx context.Context, since time.Time, box geo.Box) ([]models.DetectionEvent, error)
}

// Archiver stores uploaded images and returns their object key.
type Archiver interface {
	Put(ctx context.Context, image []byte, contentType string) (string, error)
}

// Dispatch hands a stored event to the alert path.
type Dispatch func(ctx context.Context, event models.DetectionEvent) error

// Enqueuer is the in-process dispatcher queue.
type Enqueuer interface {
	Enqueue(event models.DetectionEvent) error
}

// Notifier announces stored events to a separate worker process.
type Notifier interface {
	NotifyDetection(ctx context.Context, id int64) error
}

// Publisher writes events to the detection stream.
type Publisher interface {
	Publish(ctx context.Context, event models.DetectionEvent) error
}

// Inline queues events on the local dispatcher.
func Inline(q Enqueuer) Dispatch {
	return func(_ context.Context, event models.DetectionEvent) error {
		return q.Enqueue(event)
	}
}

// ViaNotify signals the alert worker through Postgres NOTIFY.
func ViaNotify(n Notifier) Dispatch {
	return func(ctx context.Context, event models.DetectionEvent) error {
		return n.NotifyDetection(ctx, event.ID)
	}
}

// ViaStream publishes events to Kafka for the alert worker.
func ViaStream(p Publisher) Dispatch {
	return p.Publish
}

// NearbyConfig bounds nearby-alert queries.
type NearbyConfig struct {
	RadiusKm float64
	Lookback time.Duration
	Limit    int
}

// DefaultNearbyConfig returns the 10 km / 7 day / 50 result defaults.
func DefaultNearbyConfig() NearbyConfig {
	return NearbyConfig{RadiusKm: 10, Lookback: 7 * 24 * time.Hour, Limit: 50}
}

// DetectRequest is one uploaded image with an optional location.
type DetectRequest struct {
	Image       []byte
	ContentType string
	Lat         *float64
	Lng         *float64
}

// DetectResult is returned to the uploader.
type DetectResult struct {
	Disease      string   `json:"disease"`
	DisplayName  string   `json:"display_name"`
	Confidence   float64  `json:"confidence"`
	Crop         string   `json:"crop"`
	Symptoms     []string `json:"symptoms"`
	Remedies     []string `json:"remedies"`
	Prevention   []string `json:"prevention"`
	Treatments   []string `json:"treatments"`
	EventID      *int64   `json:"event_id,omitempty"`
	ImageKey     string   `json:"image_key,omitempty"`
	AlertsQueued bool     `json:"alerts_queued"`
}

// Service wires the classifier, store and alert dispatch together.
type Service struct {
	store      Store
	classifier classifier.Classifier
	dispatch   Dispatch
	archive    Archiver
	cache      *cache.Cache
	announce   func(models.DetectionEvent)
	nearby     NearbyConfig
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithArchive stores every upload before classification.
func WithArchive(a Archiver) Option { return func(s *Service) { s.archive = a } }

// WithCache invalidates cached nearby queries when an event is stored.
func WithCache(c *cache.Cache) Option { return func(s *Service) { s.cache = c } }

// WithAnnouncer is called with every stored event.
func WithAnnouncer(fn func(models.DetectionEvent)) Option {
	return func(s *Service) { s.announce = fn }
}

// WithNearby overrides the nearby-query bounds.
func WithNearby(cfg NearbyConfig) Option { return func(s *Service) { s.nearby = cfg } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a detection service. dispatch may be nil, in which case
// events are stored but no alerts are started.
func NewService(store Store, c classifier.Classifier, dispatch Dispatch, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		classifier: c,
		dispatch:   dispatch,
		nearby:     DefaultNearbyConfig(),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Detect classifies an image. A diseased image with a location is recorded
// as a detection event and dispatched for proximity alerts. Archive and
// dispatch failures are logged; the prediction is still returned.
func (s *Service) Detect(ctx context.Context, req DetectRequest) (DetectResult, error) {
	if len(req.Image) == 0 {
		return DetectResult{}, classifier.ErrEmptyImage
	}
	hasLocation, err := checkLocation(req.Lat, req.Lng)
	if err != nil {
		return DetectResult{}, err
	}

	var imageKey string
	if s.archive != nil {
		imageKey, err = s.archive.Put(ctx, req.Image, req.ContentType)
		if err != nil {
			s.logger.Warn("Image archive failed", "error", err)
			imageKey = ""
		}
	}

	pred, err := s.classifier.Predict(ctx, req.Image)
	if err != nil {
		return DetectResult{}, fmt.Errorf("classify image: %w", err)
	}

	info := remedy.Lookup(pred.Disease)
	res := DetectResult{
		Disease:     pred.Disease,
		DisplayName: info.DisplayName,
		Confidence:  pred.Confidence,
		Crop:        pred.Crop,
		Symptoms:    info.Symptoms,
		Remedies:    info.Remedies,
		Prevention:  info.Prevention,
		Treatments:  remedy.TreatmentKeywords(info.Remedies),
		ImageKey:    imageKey,
	}

	if !hasLocation || remedy.Normalize(pred.Disease) == remedy.Healthy {
		return res, nil
	}

	event, err := s.store.CreateDetection(ctx, models.DetectionEvent{
		Disease:    pred.Disease,
		Latitude:   *req.Lat,
		Longitude:  *req.Lng,
		Confidence: pred.Confidence,
		Crop:       pred.Crop,
		ImageKey:   imageKey,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return DetectResult{}, fmt.Errorf("record detection: %w", err)
	}
	res.EventID = &event.ID

	if s.cache != nil {
		s.cache.InvalidatePrefix(cache.NearbyPrefix)
	}
	if s.announce != nil {
		s.announce(event)
	}

	if s.dispatch != nil {
		if err := s.dispatch(ctx, event); err != nil {
			// The maintenance catch-up sweep retries undispatched events.
			s.logger.Warn("Alert dispatch failed", "event_id", event.ID, "error", err)
		} else {
			res.AlertsQueued = true
		}
	}

	s.logger.Info("Detection recorded",
		"event_id", event.ID,
		"disease", event.Disease,
		"confidence", event.Confidence,
		"alerts_queued", res.AlertsQueued)
	return res, nil
}

// NearbyAlerts returns recent detections within radiusKm of (lat, lng),
// newest first. A non-positive radius uses the configured default.
func (s *Service) NearbyAlerts(ctx context.Context, lat, lng, radiusKm float64) ([]models.NearbyDetection, error) {
	if _, err := checkLocation(&lat, &lng); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		radiusKm = s.nearby.RadiusKm
	}

	since := s.now().Add(-s.nearby.Lookback).UTC()
	events, err := s.store.RecentDetections(ctx, since, geo.BoundingBox(lat, lng, radiusKm))
	if err != nil {
		return nil, fmt.Errorf("load recent detections: %w", err)
	}

	nearby := lo.FilterMap(events, func(ev models.DetectionEvent, _ int) (models.NearbyDetection, bool) {
		d := geo.DistanceKm(lat, lng, ev.Latitude, ev.Longitude)
		return models.NearbyDetection{DetectionEvent: ev, DistanceKm: d}, d <= radiusKm
	})
	if s.nearby.Limit > 0 && len(nearby) > s.nearby.Limit {
		nearby = nearby[:s.nearby.Limit]
	}
	return nearby, nil
}

func checkLocation(lat, lng *float64) (bool, error) {
	switch {
	case lat == nil && lng == nil:
		return false, nil
	case lat == nil || lng == nil:
		return false, fmt.Errorf("%w: lat and lng must be given together", ErrInvalidLocation)
	case *lat < -90 || *lat > 90:
		return false, fmt.Errorf("%w: latitude %v out of range", ErrInvalidLocation, *lat)
	case *lng < -180 || *lng > 180:
		return false, fmt.Errorf("%w: longitude %v out of range", ErrInvalidLocation, *lng)
	}
	return true, nil
}
