// Package alerts decides which nearby users are notified about a disease
// detection and records every delivered notification.
//
// Pipeline: confidence gate → scan notifiable users → proximity and duplicate
// filters → push → persist. Each successful push is committed before the next
// candidate is considered, so an interrupted run can be replayed safely.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// MinConfidence is the confidence gate a detection must reach before any
	// user is considered.
	MinConfidence = 0.75
	// RadiusKm is the alert radius around a detection (inclusive).
	RadiusKm = 2.0
	// DuplicateWindow suppresses repeat alerts per (user, disease).
	DuplicateWindow = 24 * time.Hour
)

// Notification text. Not parameterized per disease or user.
const (
	NotificationTitle = "Crop Health Alert"
	NotificationBody  = "A crop disease was reported near your area. Please monitor your crops."
)

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Store is the persistence the alert engine reads and writes.
type Store interface {
	// ListNotifiableUsers returns every user with notifications enabled.
	ListNotifiableUsers(ctx context.Context) ([]models.UserProfile, error)
	// FindRecentAlert returns an alert for (userID, disease) sent at or after
	// since, or nil when there is none.
	FindRecentAlert(ctx context.Context, userID int64, disease string, since time.Time) (*models.SentAlert, error)
	// InsertSentAlert durably commits one alert record before returning.
	InsertSentAlert(ctx context.Context, userID int64, disease string, sentAt time.Time) (models.SentAlert, error)
}

// Sender delivers a push notification. A nil error means the provider
// accepted the message.
type Sender interface {
	Send(ctx context.Context, deviceToken, title, body string) error
}

// Observer is called after an alert record has been committed.
type Observer func(ctx context.Context, event models.DetectionEvent, alert models.SentAlert)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// SkipReason names the filter that excluded a user.
type SkipReason string

const (
	Eligible              SkipReason = ""
	NotificationsDisabled SkipReason = "notifications_disabled"
	NoDeviceToken         SkipReason = "no_device_token"
	OutOfRange            SkipReason = "out_of_range"
	Duplicate             SkipReason = "duplicate"
)

// Result summarizes the processing of one detection event.
type Result struct {
	EventID        int64
	Disease        string
	Gated          bool // below the confidence gate; nothing was evaluated
	Candidates     int
	Skipped        map[SkipReason]int
	SendFailed     int
	RecordsWritten int
	Duration       time.Duration
}

func (r *Result) skip(reason SkipReason) {
	if r.Skipped == nil {
		r.Skipped = make(map[SkipReason]int)
	}
	r.Skipped[reason]++
}

// Summary returns a human-readable summary of the run.
func (r Result) Summary() string {
	if r.Gated {
		return fmt.Sprintf("event=%d disease=%s gated=true", r.EventID, r.Disease)
	}
	reasons := make([]string, 0, len(r.Skipped))
	for reason, n := range r.Skipped {
		reasons = append(reasons, fmt.Sprintf("%s:%d", reason, n))
	}
	sort.Strings(reasons)
	return fmt.Sprintf(
		"event=%d disease=%s candidates=%d sent=%d send_failed=%d skipped=[%s]",
		r.EventID, r.Disease, r.Candidates, r.RecordsWritten, r.SendFailed,
		strings.Join(reasons, " "),
	)
}
