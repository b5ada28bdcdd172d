// Package maintenance runs periodic background tasks as Go tickers: retention
// cleanup of old rows and a catch-up sweep that replays recent detections.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/alerts"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/geo"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

// Store is the persistence the maintenance tasks need.
type Store interface {
	PurgeSentAlerts(ctx context.Context, before time.Time) (int64, error)
	PurgeDetections(ctx context.Context, before time.Time) (int64, error)
	RecentDetections(ctx context.Context, since time.Time, box geo.Box) ([]models.DetectionEvent, error)
}

// Enqueuer accepts detection events for alert processing.
type Enqueuer interface {
	Enqueue(event models.DetectionEvent) error
}

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	CleanupInterval    time.Duration // Retention purge
	CatchUpInterval    time.Duration // Replay of recent detections
	CatchUpWindow      time.Duration // How far back the sweep looks
	AlertRetention     time.Duration
	DetectionRetention time.Duration
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval:    time.Hour,
		CatchUpInterval:    15 * time.Minute,
		CatchUpWindow:      time.Hour,
		AlertRetention:     30 * 24 * time.Hour,
		DetectionRetention: 90 * 24 * time.Hour,
	}
}

// ConfigFrom builds the maintenance schedule from application config. The
// catch-up sweep keeps its defaults.
func ConfigFrom(cfg *config.Config) Config {
	mc := DefaultConfig()
	mc.CleanupInterval = cfg.MaintenanceInterval
	mc.AlertRetention = time.Duration(cfg.AlertRetentionDays) * 24 * time.Hour
	mc.DetectionRetention = time.Duration(cfg.DetectionRetentionDays) * 24 * time.Hour
	return mc
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled. Intended to be called with `go`. A nil queue disables the
// catch-up sweep.
func Start(ctx context.Context, store Store, queue Enqueuer, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"cleanup", cfg.CleanupInterval,
		"catchup", cfg.CatchUpInterval)

	tickers := make([]*time.Ticker, 0, 2)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	if cfg.CleanupInterval > 0 {
		t := time.NewTicker(cfg.CleanupInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() {
			if _, err := Cleanup(ctx, store, cfg, time.Now(), logger); err != nil {
				logger.Warn("Cleanup failed", "error", err)
			}
		})
	}

	if cfg.CatchUpInterval > 0 && queue != nil {
		t := time.NewTicker(cfg.CatchUpInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() {
			if _, err := CatchUp(ctx, store, queue, cfg.CatchUpWindow, time.Now(), logger); err != nil {
				logger.Warn("Catch-up sweep failed", "error", err)
			}
		})
	}

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

// CleanupReport counts the rows removed by one cleanup pass.
type CleanupReport struct {
	SentAlerts int64
	Detections int64
}

// Cleanup purges sent alerts and detection events past their retention.
// A zero retention keeps rows forever.
func Cleanup(ctx context.Context, store Store, cfg Config, now time.Time, logger *slog.Logger) (CleanupReport, error) {
	var report CleanupReport
	now = now.UTC()

	if cfg.AlertRetention > 0 {
		n, err := store.PurgeSentAlerts(ctx, now.Add(-cfg.AlertRetention))
		if err != nil {
			return report, fmt.Errorf("purge sent alerts: %w", err)
		}
		report.SentAlerts = n
		if n > 0 {
			logger.Info("Cleanup: purged old sent alerts", "count", n)
		}
	}

	if cfg.DetectionRetention > 0 {
		n, err := store.PurgeDetections(ctx, now.Add(-cfg.DetectionRetention))
		if err != nil {
			return report, fmt.Errorf("purge detections: %w", err)
		}
		report.Detections = n
		if n > 0 {
			logger.Info("Cleanup: purged old detection events", "count", n)
		}
	}
	return report, nil
}

var world = geo.Box{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}

// CatchUp re-enqueues every detection created within window. Replays are
// safe: users already alerted are skipped by the duplicate check, and users
// whose push failed earlier get another attempt.
//
// A full or stopped queue ends the sweep quietly; the next sweep resumes.
// Any other Enqueue error is returned with the count queued so far.
func CatchUp(ctx context.Context, store Store, queue Enqueuer, window time.Duration, now time.Time, logger *slog.Logger) (int, error) {
	events, err := store.RecentDetections(ctx, now.UTC().Add(-window), world)
	if err != nil {
		return 0, fmt.Errorf("list recent detections: %w", err)
	}

	queued := 0
	// Oldest first so replays keep arrival order.
	for i := len(events) - 1; i >= 0; i-- {
		if err := queue.Enqueue(events[i]); err != nil {
			if !errors.Is(err, alerts.ErrQueueFull) && !errors.Is(err, alerts.ErrDispatcherStopped) {
				return queued, fmt.Errorf("replay event %d: %w", events[i].ID, err)
			}
			logger.Warn("Catch-up sweep: queue rejected event",
				"event_id", events[i].ID, "error", err)
			break
		}
		queued++
	}
	if queued > 0 {
		logger.Info("Catch-up sweep: replayed detections", "count", queued)
	}
	return queued, nil
}
