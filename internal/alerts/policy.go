package alerts

import (
	"log/slog"
	"time"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/geo"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

// Policy holds the thresholds of the eligibility rules.
type Policy struct {
	MinConfidence   float64
	RadiusKm        float64
	DuplicateWindow time.Duration
}

// DefaultPolicy returns the business thresholds: 0.75 confidence, 2 km, 24 h.
func DefaultPolicy() Policy {
	return Policy{
		MinConfidence:   MinConfidence,
		RadiusKm:        RadiusKm,
		DuplicateWindow: DuplicateWindow,
	}
}

// PolicyFrom builds the policy from the ALERT_* settings and warns when it
// departs from DefaultPolicy.
func PolicyFrom(cfg *config.Config, logger *slog.Logger) Policy {
	p := Policy{
		MinConfidence:   cfg.AlertMinConfidence,
		RadiusKm:        cfg.AlertRadiusKm,
		DuplicateWindow: cfg.AlertWindow,
	}
	if def := DefaultPolicy(); p != def {
		logger.Warn("Alert policy overridden by configuration",
			"min_confidence", p.MinConfidence, "default_min_confidence", def.MinConfidence,
			"radius_km", p.RadiusKm, "default_radius_km", def.RadiusKm,
			"window", p.DuplicateWindow, "default_window", def.DuplicateWindow)
	}
	return p
}

// PassesGate reports whether an event is confident enough to alert on.
func (p Policy) PassesGate(event models.DetectionEvent) bool {
	return event.Confidence >= p.MinConfidence
}

// Cutoff returns the lower bound of the duplicate window relative to now.
func (p Policy) Cutoff(now time.Time) time.Time {
	return now.UTC().Add(-p.DuplicateWindow)
}

// Screen applies the filters that need no history lookup: notifications
// enabled, device token present, and distance within the radius.
func (p Policy) Screen(event models.DetectionEvent, user models.UserProfile) SkipReason {
	if !user.NotificationsEnabled {
		return NotificationsDisabled
	}
	if !user.HasDeviceToken() {
		return NoDeviceToken
	}
	d := geo.DistanceKm(event.Latitude, event.Longitude, user.Latitude, user.Longitude)
	if d > p.RadiusKm {
		return OutOfRange
	}
	return Eligible
}

// Evaluate runs every per-user filter in order and returns the first failure.
// mostRecent is the user's latest alert for the event's disease, if any.
func (p Policy) Evaluate(event models.DetectionEvent, user models.UserProfile, mostRecent *models.SentAlert, cutoff time.Time) SkipReason {
	if reason := p.Screen(event, user); reason != Eligible {
		return reason
	}
	if IsDuplicate(mostRecent, event.Disease, cutoff) {
		return Duplicate
	}
	return Eligible
}

// IsEligible reports whether user should be notified about event.
func (p Policy) IsEligible(event models.DetectionEvent, user models.UserProfile, mostRecent *models.SentAlert, cutoff time.Time) bool {
	return p.Evaluate(event, user, mostRecent, cutoff) == Eligible
}

// IsDuplicate reports whether alert blocks a new send of disease. The window
// is closed at cutoff: an alert sent exactly at cutoff blocks, one sent
// before it does not.
func IsDuplicate(alert *models.SentAlert, disease string, cutoff time.Time) bool {
	if alert == nil || alert.Disease != disease {
		return false
	}
	return !alert.SentAt.Before(cutoff)
}
