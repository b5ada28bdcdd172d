package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/db"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/geo"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

// Postgres implements Store on the pgx pool using the prepared statements
// registered by package db.
type Postgres struct {
	pool *db.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Pool exposes the underlying pool for components that need raw access.
func (s *Postgres) Pool() *db.Pool { return s.pool }

// ListNotifiableUsers returns every user with notifications enabled.
func (s *Postgres) ListNotifiableUsers(ctx context.Context) ([]models.UserProfile, error) {
	rows, err := s.pool.Query(ctx, "list_notifiable_users")
	if err != nil {
		return nil, fmt.Errorf("list notifiable users: %w", err)
	}
	defer rows.Close()

	var users []models.UserProfile
	for rows.Next() {
		var u models.UserProfile
		if err := rows.Scan(&u.ID, &u.Latitude, &u.Longitude, &u.DeviceToken, &u.NotificationsEnabled); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// FindRecentAlert returns the newest alert for (userID, disease) sent at or
// after since, or nil.
func (s *Postgres) FindRecentAlert(ctx context.Context, userID int64, disease string, since time.Time) (*models.SentAlert, error) {
	var a models.SentAlert
	err := s.pool.QueryRow(ctx, "find_recent_alert", userID, disease, since.UTC()).
		Scan(&a.ID, &a.UserID, &a.Disease, &a.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find recent alert: %w", err)
	}
	a.SentAt = a.SentAt.UTC()
	return &a, nil
}

// InsertSentAlert commits one alert record. Each call is its own implicit
// transaction, so the row is durable when it returns.
func (s *Postgres) InsertSentAlert(ctx context.Context, userID int64, disease string, sentAt time.Time) (models.SentAlert, error) {
	a := models.SentAlert{UserID: userID, Disease: disease, SentAt: sentAt.UTC()}
	if err := s.pool.QueryRow(ctx, "insert_sent_alert", userID, disease, a.SentAt).Scan(&a.ID); err != nil {
		return models.SentAlert{}, fmt.Errorf("insert sent alert: %w", err)
	}
	return a, nil
}

// CreateDetection stores a new event and returns it with id and created_at set.
func (s *Postgres) CreateDetection(ctx context.Context, ev models.DetectionEvent) (models.DetectionEvent, error) {
	meta := detectionMeta{Crop: ev.Crop, ImageKey: ev.ImageKey}
	err := s.pool.QueryRow(ctx, "insert_detection",
		ev.Disease, ev.Latitude, ev.Longitude, ev.Confidence, meta,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return models.DetectionEvent{}, fmt.Errorf("insert detection: %w", err)
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

// GetDetection loads one event by id.
func (s *Postgres) GetDetection(ctx context.Context, id int64) (models.DetectionEvent, error) {
	ev, err := scanDetection(s.pool.QueryRow(ctx, "detection_by_id", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DetectionEvent{}, fmt.Errorf("detection %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.DetectionEvent{}, fmt.Errorf("get detection: %w", err)
	}
	return ev, nil
}

// RecentDetections returns events since the given time inside box, newest first.
func (s *Postgres) RecentDetections(ctx context.Context, since time.Time, box geo.Box) ([]models.DetectionEvent, error) {
	rows, err := s.pool.Query(ctx, "recent_detections_in_box",
		since.UTC(), box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("recent detections: %w", err)
	}
	defer rows.Close()

	var out []models.DetectionEvent
	for rows.Next() {
		ev, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// NotifyDetection sends {"event_id": id} on the detection channel.
func (s *Postgres) NotifyDetection(ctx context.Context, id int64) error {
	payload, err := json.Marshal(notifyPayload{EventID: id})
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, "notify_detection", string(payload)); err != nil {
		return fmt.Errorf("notify detection: %w", err)
	}
	return nil
}

// CreateUser registers a user and returns it with its id.
func (s *Postgres) CreateUser(ctx context.Context, u models.UserProfile) (models.UserProfile, error) {
	err := s.pool.QueryRow(ctx, "insert_user",
		u.Latitude, u.Longitude, u.DeviceToken, u.NotificationsEnabled,
	).Scan(&u.ID)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUser loads one user.
func (s *Postgres) GetUser(ctx context.Context, id int64) (models.UserProfile, error) {
	var u models.UserProfile
	err := s.pool.QueryRow(ctx, "user_by_id", id).
		Scan(&u.ID, &u.Latitude, &u.Longitude, &u.DeviceToken, &u.NotificationsEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UserProfile{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UpdateUser applies the non-nil fields of update.
func (s *Postgres) UpdateUser(ctx context.Context, id int64, upd models.UserUpdate) (models.UserProfile, error) {
	var u models.UserProfile
	err := s.pool.QueryRow(ctx, "update_user",
		id, upd.Latitude, upd.Longitude, upd.DeviceToken, upd.NotificationsEnabled,
	).Scan(&u.ID, &u.Latitude, &u.Longitude, &u.DeviceToken, &u.NotificationsEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UserProfile{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

// ListUserAlerts returns a user's alert history, newest first.
func (s *Postgres) ListUserAlerts(ctx context.Context, userID int64, limit int) ([]models.SentAlert, error) {
	rows, err := s.pool.Query(ctx, "user_alerts", userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user alerts: %w", err)
	}
	defer rows.Close()

	var out []models.SentAlert
	for rows.Next() {
		var a models.SentAlert
		if err := rows.Scan(&a.ID, &a.UserID, &a.Disease, &a.SentAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.SentAt = a.SentAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeSentAlerts deletes alerts sent before the given time.
func (s *Postgres) PurgeSentAlerts(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "purge_sent_alerts", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sent alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeDetections deletes detection events created before the given time.
func (s *Postgres) PurgeDetections(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "purge_detections", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge detections: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the database is reachable.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.HealthCheck(ctx)
}

// Close releases the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func scanDetection(row pgx.Row) (models.DetectionEvent, error) {
	var ev models.DetectionEvent
	var meta detectionMeta
	if err := row.Scan(&ev.ID, &ev.Disease, &ev.Latitude, &ev.Longitude, &ev.Confidence, &meta, &ev.CreatedAt); err != nil {
		return models.DetectionEvent{}, err
	}
	ev.Crop = meta.Crop
	ev.ImageKey = meta.ImageKey
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}
