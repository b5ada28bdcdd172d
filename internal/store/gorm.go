package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/db"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/geo"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

// --------------------------------------------------------------------------
// Rows
// --------------------------------------------------------------------------

type userRow struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement"`
	Latitude             float64   `gorm:"not null"`
	Longitude            float64   `gorm:"not null"`
	DeviceToken          *string   `gorm:"type:text"`
	NotificationsEnabled bool      `gorm:"not null;index"`
	CreatedAt            time.Time `gorm:"autoCreateTime"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime"`
}

func (userRow) TableName() string { return "users" }

type detectionRow struct {
	ID         int64             `gorm:"primaryKey;autoIncrement"`
	Disease    string            `gorm:"type:text;not null"`
	Latitude   float64           `gorm:"not null;index:idx_detection_events_lat_lon,priority:1"`
	Longitude  float64           `gorm:"not null;index:idx_detection_events_lat_lon,priority:2"`
	Confidence float64           `gorm:"not null"`
	Metadata   datatypes.JSONMap `gorm:"not null"`
	CreatedAt  time.Time         `gorm:"autoCreateTime;index"`
}

func (detectionRow) TableName() string { return "detection_events" }

type sentAlertRow struct {
	ID      int64     `gorm:"primaryKey;autoIncrement"`
	UserID  int64     `gorm:"not null;index:idx_sent_alerts_user_disease_sent,priority:1"`
	Disease string    `gorm:"type:text;not null;index:idx_sent_alerts_user_disease_sent,priority:2"`
	SentAt  time.Time `gorm:"not null;index:idx_sent_alerts_user_disease_sent,priority:3;index"`
}

func (sentAlertRow) TableName() string { return "sent_alerts" }

func (r userRow) model() models.UserProfile {
	return models.UserProfile{
		ID:                   r.ID,
		Latitude:             r.Latitude,
		Longitude:            r.Longitude,
		DeviceToken:          r.DeviceToken,
		NotificationsEnabled: r.NotificationsEnabled,
	}
}

func (r detectionRow) model() models.DetectionEvent {
	ev := models.DetectionEvent{
		ID:         r.ID,
		Disease:    r.Disease,
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		Confidence: r.Confidence,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if v, ok := r.Metadata["crop"].(string); ok {
		ev.Crop = v
	}
	if v, ok := r.Metadata["image_key"].(string); ok {
		ev.ImageKey = v
	}
	return ev
}

func (r sentAlertRow) model() models.SentAlert {
	return models.SentAlert{ID: r.ID, UserID: r.UserID, Disease: r.Disease, SentAt: r.SentAt.UTC()}
}

// --------------------------------------------------------------------------
// Gorm store
// --------------------------------------------------------------------------

// Gorm implements Store with gorm.
type Gorm struct {
	db       *gorm.DB
	postgres bool
}

// OpenSQLite opens (or creates) an SQLite database and migrates the schema.
func OpenSQLite(dsn string) (*Gorm, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection avoids "database is locked".
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Gorm{db: gdb}
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenGormPostgres connects gorm to Postgres. The schema is owned by the
// SQL migrations, so nothing is migrated here.
func OpenGormPostgres(databaseURL string) (*Gorm, error) {
	gdb, err := gorm.Open(postgres.Open(databaseURL), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Gorm{db: gdb, postgres: true}, nil
}

// NewGorm wraps an existing gorm handle.
func NewGorm(gdb *gorm.DB) *Gorm {
	return &Gorm{db: gdb, postgres: gdb.Dialector.Name() == "postgres"}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// AutoMigrate creates or updates the three tables.
func (s *Gorm) AutoMigrate() error {
	if err := s.db.AutoMigrate(&userRow{}, &detectionRow{}, &sentAlertRow{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

// ListNotifiableUsers returns every user with notifications enabled.
func (s *Gorm) ListNotifiableUsers(ctx context.Context) ([]models.UserProfile, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Where("notifications_enabled = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list notifiable users: %w", err)
	}
	users := make([]models.UserProfile, len(rows))
	for i, r := range rows {
		users[i] = r.model()
	}
	return users, nil
}

// FindRecentAlert returns the newest alert for (userID, disease) sent at or
// after since, or nil.
func (s *Gorm) FindRecentAlert(ctx context.Context, userID int64, disease string, since time.Time) (*models.SentAlert, error) {
	var rows []sentAlertRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND disease = ? AND sent_at >= ?", userID, disease, since.UTC()).
		Order("sent_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find recent alert: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	a := rows[0].model()
	return &a, nil
}

// InsertSentAlert commits one alert record.
func (s *Gorm) InsertSentAlert(ctx context.Context, userID int64, disease string, sentAt time.Time) (models.SentAlert, error) {
	row := sentAlertRow{UserID: userID, Disease: disease, SentAt: sentAt.UTC()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.SentAlert{}, fmt.Errorf("insert sent alert: %w", err)
	}
	return row.model(), nil
}

// CreateDetection stores a new event.
func (s *Gorm) CreateDetection(ctx context.Context, ev models.DetectionEvent) (models.DetectionEvent, error) {
	meta := datatypes.JSONMap{}
	if ev.Crop != "" {
		meta["crop"] = ev.Crop
	}
	if ev.ImageKey != "" {
		meta["image_key"] = ev.ImageKey
	}
	row := detectionRow{
		Disease:    ev.Disease,
		Latitude:   ev.Latitude,
		Longitude:  ev.Longitude,
		Confidence: ev.Confidence,
		Metadata:   meta,
		CreatedAt:  ev.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.DetectionEvent{}, fmt.Errorf("insert detection: %w", err)
	}
	return row.model(), nil
}

// GetDetection loads one event by id.
func (s *Gorm) GetDetection(ctx context.Context, id int64) (models.DetectionEvent, error) {
	var row detectionRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DetectionEvent{}, fmt.Errorf("detection %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.DetectionEvent{}, fmt.Errorf("get detection: %w", err)
	}
	return row.model(), nil
}

// RecentDetections returns events since the given time inside box, newest first.
func (s *Gorm) RecentDetections(ctx context.Context, since time.Time, box geo.Box) ([]models.DetectionEvent, error) {
	var rows []detectionRow
	err := s.db.WithContext(ctx).
		Where("created_at >= ?", since.UTC()).
		Where("latitude BETWEEN ? AND ?", box.MinLat, box.MaxLat).
		Where("longitude BETWEEN ? AND ?", box.MinLon, box.MaxLon).
		Order("created_at DESC").Order("id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent detections: %w", err)
	}
	out := make([]models.DetectionEvent, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// NotifyDetection sends {"event_id": id} on the detection channel. Only
// available when gorm runs on Postgres.
func (s *Gorm) NotifyDetection(ctx context.Context, id int64) error {
	if !s.postgres {
		return ErrNotifyUnsupported
	}
	payload, err := json.Marshal(notifyPayload{EventID: id})
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", db.DetectionChannel, string(payload)).Error; err != nil {
		return fmt.Errorf("notify detection: %w", err)
	}
	return nil
}

// CreateUser registers a user.
func (s *Gorm) CreateUser(ctx context.Context, u models.UserProfile) (models.UserProfile, error) {
	row := userRow{
		Latitude:             u.Latitude,
		Longitude:            u.Longitude,
		DeviceToken:          u.DeviceToken,
		NotificationsEnabled: u.NotificationsEnabled,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.UserProfile{}, fmt.Errorf("insert user: %w", err)
	}
	return row.model(), nil
}

// GetUser loads one user.
func (s *Gorm) GetUser(ctx context.Context, id int64) (models.UserProfile, error) {
	var row userRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.UserProfile{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("get user: %w", err)
	}
	return row.model(), nil
}

// UpdateUser applies the non-nil fields of update.
func (s *Gorm) UpdateUser(ctx context.Context, id int64, upd models.UserUpdate) (models.UserProfile, error) {
	changes := map[string]any{}
	if upd.Latitude != nil {
		changes["latitude"] = *upd.Latitude
	}
	if upd.Longitude != nil {
		changes["longitude"] = *upd.Longitude
	}
	if upd.DeviceToken != nil {
		changes["device_token"] = *upd.DeviceToken
	}
	if upd.NotificationsEnabled != nil {
		changes["notifications_enabled"] = *upd.NotificationsEnabled
	}

	var out models.UserProfile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row userRow
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		if len(changes) > 0 {
			if err := tx.Model(&row).Updates(changes).Error; err != nil {
				return err
			}
			if err := tx.First(&row, id).Error; err != nil {
				return err
			}
		}
		out = row.model()
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.UserProfile{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("update user: %w", err)
	}
	return out, nil
}

// ListUserAlerts returns a user's alert history, newest first.
func (s *Gorm) ListUserAlerts(ctx context.Context, userID int64, limit int) ([]models.SentAlert, error) {
	var rows []sentAlertRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("sent_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list user alerts: %w", err)
	}
	out := make([]models.SentAlert, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// PurgeSentAlerts deletes alerts sent before the given time.
func (s *Gorm) PurgeSentAlerts(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("sent_at < ?", before.UTC()).Delete(&sentAlertRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge sent alerts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeDetections deletes detection events created before the given time.
func (s *Gorm) PurgeDetections(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&detectionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge detections: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database is reachable.
func (s *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Gorm) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
