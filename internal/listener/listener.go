// Package listener provides a Postgres LISTEN/NOTIFY consumer for new
// detection events. It holds a dedicated pgx connection (not from the pool)
// listening on the detection_created channel.
//
// The API announces each stored detection with pg_notify; this consumer
// loads the event and hands it to the alert dispatcher.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/db"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

const (
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// DetectionNotice is the JSON payload from pg_notify('detection_created', ...).
type DetectionNotice struct {
	EventID int64 `json:"event_id"`
}

// EventLoader loads a stored detection by id.
type EventLoader interface {
	GetDetection(ctx context.Context, id int64) (models.DetectionEvent, error)
}

// Enqueuer accepts detection events for alert processing.
type Enqueuer interface {
	Enqueue(event models.DetectionEvent) error
}

// Listener consumes detection notifications.
type Listener struct {
	dbURL  string
	loader EventLoader
	queue  Enqueuer
	logger *slog.Logger
}

// New creates a listener. dbURL must point at the same database the API writes to.
func New(dbURL string, loader EventLoader, queue Enqueuer, logger *slog.Logger) *Listener {
	return &Listener{dbURL: dbURL, loader: loader, queue: queue, logger: logger}
}

// Start opens a dedicated connection and listens on the detection channel.
// It reconnects automatically on connection loss. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func (l *Listener) Start(ctx context.Context) {
	backoff := reconnectBackoff

	for {
		err := l.listenLoop(ctx)
		if ctx.Err() != nil {
			l.logger.Info("Detection listener stopped (context cancelled)")
			return
		}

		l.logger.Error("Detection listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func (l *Listener) listenLoop(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+db.DetectionChannel); err != nil {
		return fmt.Errorf("LISTEN %s: %w", db.DetectionChannel, err)
	}
	l.logger.Info("Detection listener connected", "channel", db.DetectionChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.Handle(ctx, notification.Payload)
	}
}

// Handle parses one notification payload, loads the event and enqueues it.
// Bad payloads and missing events are logged and dropped.
func (l *Listener) Handle(ctx context.Context, payload string) {
	var notice DetectionNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil || notice.EventID == 0 {
		l.logger.Warn("Failed to parse detection notice", "payload", payload, "error", err)
		return
	}

	event, err := l.loader.GetDetection(ctx, notice.EventID)
	if err != nil {
		l.logger.Warn("Failed to load notified detection",
			"event_id", notice.EventID, "error", err)
		return
	}

	if err := l.queue.Enqueue(event); err != nil {
		// The maintenance catch-up sweep picks the event up later.
		l.logger.Warn("Dispatcher rejected detection", "event_id", event.ID, "error", err)
		return
	}
	l.logger.Debug("Detection queued from notify", "event_id", event.ID, "disease", event.Disease)
}
