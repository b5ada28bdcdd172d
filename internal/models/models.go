// Package models holds the domain records shared by the alert engine, the
// stores and the HTTP layer.
package models

import "time"

// DetectionEvent is one disease observation reported from a crop image.
// Immutable once created.
type DetectionEvent struct {
	ID         int64     `json:"id"`
	Disease    string    `json:"disease"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Confidence float64   `json:"confidence"`
	Crop       string    `json:"crop,omitempty"`
	ImageKey   string    `json:"image_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserUpdate carries a partial user change; nil fields are left unchanged.
type UserUpdate struct {
	Latitude             *float64 `json:"latitude,omitempty"`
	Longitude            *float64 `json:"longitude,omitempty"`
	DeviceToken          *string  `json:"device_token,omitempty"`
	NotificationsEnabled *bool    `json:"notifications_enabled,omitempty"`
}

// UserProfile is a device that may receive proximity alerts.
// A nil or empty DeviceToken means the user cannot receive push.
type UserProfile struct {
	ID                   int64   `json:"id"`
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	DeviceToken          *string `json:"device_token,omitempty"`
	NotificationsEnabled bool    `json:"notifications_enabled"`
}

// HasDeviceToken reports whether the user has a registered push token.
func (u UserProfile) HasDeviceToken() bool {
	return u.DeviceToken != nil && *u.DeviceToken != ""
}

// Token returns the device token or "" when none is registered.
func (u UserProfile) Token() string {
	if u.DeviceToken == nil {
		return ""
	}
	return *u.DeviceToken
}

// SentAlert records one successfully delivered notification.
type SentAlert struct {
	ID      int64     `json:"id"`
	UserID  int64     `json:"user_id"`
	Disease string    `json:"disease"`
	SentAt  time.Time `json:"sent_at"`
}

// NearbyDetection is a detection event annotated with its distance from a
// query point.
type NearbyDetection struct {
	DetectionEvent
	DistanceKm float64 `json:"distance_km"`
}
