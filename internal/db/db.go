// Package db provides a pgxpool-based connection pool with prepared statement
// registration and health checking.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
)

// DetectionChannel is the LISTEN/NOTIFY channel announcing new detections.
const DetectionChannel = "detection_created"

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Statements maps prepared statement names to SQL. Exported so the store
// tests can check every name it uses is registered.
var Statements = map[string]string{
	// Health
	"health_check": "SELECT 1",

	// Alert engine
	"list_notifiable_users": `SELECT id, latitude, longitude, device_token, notifications_enabled
		FROM users WHERE notifications_enabled ORDER BY id`,
	"find_recent_alert": `SELECT id, user_id, disease, sent_at FROM sent_alerts
		WHERE user_id = $1 AND disease = $2 AND sent_at >= $3
		ORDER BY sent_at DESC LIMIT 1`,
	"insert_sent_alert": "INSERT INTO sent_alerts (user_id, disease, sent_at) VALUES ($1, $2, $3) RETURNING id",

	// Detections
	"insert_detection": `INSERT INTO detection_events (disease, latitude, longitude, confidence, metadata)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
	"detection_by_id": `SELECT id, disease, latitude, longitude, confidence, metadata, created_at
		FROM detection_events WHERE id = $1`,
	"recent_detections_in_box": `SELECT id, disease, latitude, longitude, confidence, metadata, created_at
		FROM detection_events
		WHERE created_at >= $1
		  AND latitude BETWEEN $2 AND $3
		  AND longitude BETWEEN $4 AND $5
		ORDER BY created_at DESC, id DESC`,
	"notify_detection": "SELECT pg_notify('" + DetectionChannel + "', $1)",

	// Users
	"insert_user": `INSERT INTO users (latitude, longitude, device_token, notifications_enabled)
		VALUES ($1, $2, $3, $4) RETURNING id`,
	"user_by_id": `SELECT id, latitude, longitude, device_token, notifications_enabled
		FROM users WHERE id = $1`,
	"update_user": `UPDATE users SET
			latitude = COALESCE($2, latitude),
			longitude = COALESCE($3, longitude),
			device_token = COALESCE($4, device_token),
			notifications_enabled = COALESCE($5, notifications_enabled),
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, latitude, longitude, device_token, notifications_enabled`,
	"user_alerts": `SELECT id, user_id, disease, sent_at FROM sent_alerts
		WHERE user_id = $1 ORDER BY sent_at DESC, id DESC LIMIT $2`,

	// Maintenance
	"purge_sent_alerts": "DELETE FROM sent_alerts WHERE sent_at < $1",
	"purge_detections":  "DELETE FROM detection_events WHERE created_at < $1",
}

// registerPreparedStatements registers all statements the API and worker
// use. Prepared statements eliminate parse overhead on every request.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range Statements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
