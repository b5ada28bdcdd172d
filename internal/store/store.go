// Package store persists users, detection events and sent alerts.
//
// Two implementations share the Store interface: Postgres runs prepared
// statements on the pgx pool, Gorm runs on gorm with either the Postgres
// or the embedded SQLite dialector.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/alerts"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/geo"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotifyUnsupported is returned by NotifyDetection on non-Postgres stores.
	ErrNotifyUnsupported = errors.New("detection notify requires Postgres")
)

// Store is the full persistence surface of the service.
type Store interface {
	alerts.Store

	CreateDetection(ctx context.Context, event models.DetectionEvent) (models.DetectionEvent, error)
	GetDetection(ctx context.Context, id int64) (models.DetectionEvent, error)
	// RecentDetections returns events created at or after since inside box,
	// newest first.
	RecentDetections(ctx context.Context, since time.Time, box geo.Box) ([]models.DetectionEvent, error)
	// NotifyDetection announces a stored event on the detection channel.
	NotifyDetection(ctx context.Context, id int64) error

	CreateUser(ctx context.Context, user models.UserProfile) (models.UserProfile, error)
	GetUser(ctx context.Context, id int64) (models.UserProfile, error)
	UpdateUser(ctx context.Context, id int64, update models.UserUpdate) (models.UserProfile, error)
	ListUserAlerts(ctx context.Context, userID int64, limit int) ([]models.SentAlert, error)

	PurgeSentAlerts(ctx context.Context, before time.Time) (int64, error)
	PurgeDetections(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// detectionMeta is the metadata column of detection_events.
type detectionMeta struct {
	Crop     string `json:"crop,omitempty"`
	ImageKey string `json:"image_key,omitempty"`
}

// notifyPayload is the body sent on the detection channel.
type notifyPayload struct {
	EventID int64 `json:"event_id"`
}
