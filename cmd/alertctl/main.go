// Command alertctl runs and operates the proximity-alert pipeline.
//
// Usage:
//
//	alertctl migrate up
//	alertctl migrate down --steps 1
//	alertctl worker
//	alertctl process --event-id 42
//	alertctl replay --window 6h
//	alertctl cleanup
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/alerts"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/listener"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/maintenance"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/migrations"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/notify"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/store"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/stream"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "alertctl",
		Short:        "ArogyaKrishi alert pipeline CLI",
		SilenceUsage: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(processCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(cleanupCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the Postgres schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.UsesPostgres() {
				logger.Info("SQLite schema is migrated on open; nothing to do")
				return nil
			}
			return migrations.Up(cfg.DatabaseURL, logger)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.UsesPostgres() {
				return fmt.Errorf("migrate down requires a Postgres store")
			}
			return migrations.Down(cfg.DatabaseURL, steps, logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	cmd.AddCommand(down)

	return cmd
}

// --------------------------------------------------------------------------
// worker command
// --------------------------------------------------------------------------

func workerCmd() *cobra.Command {
	var noListen bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process detection events from NOTIFY and Kafka until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, cfg *config.Config, st store.Store) error {
				processor := newProcessor(cfg, st)
				queue := alerts.NewDispatcher(processor, cfg.AlertWorkers, cfg.AlertQueueSize, logger)

				var wg sync.WaitGroup
				goRun := func(fn func(context.Context)) {
					wg.Add(1)
					go func() {
						defer wg.Done()
						fn(ctx)
					}()
				}

				goRun(queue.Run)

				sources := 0
				if cfg.UsesPostgres() && !noListen {
					goRun(listener.New(cfg.DatabaseURL, st, queue, logger).Start)
					sources++
				}
				if len(cfg.KafkaBrokers) > 0 {
					goRun(stream.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, st, queue, logger).Run)
					sources++
				}
				if sources == 0 {
					logger.Warn("No event source configured; only the catch-up sweep will queue events")
				}

				mcfg := maintenance.ConfigFrom(cfg)
				goRun(func(ctx context.Context) { maintenance.Start(ctx, st, queue, mcfg, logger) })

				logger.Info("Alert worker running", "workers", cfg.AlertWorkers, "sources", sources)
				<-ctx.Done()
				logger.Info("Alert worker stopping, draining queue", "pending", queue.Pending())
				wg.Wait()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noListen, "no-listen", false, "Do not LISTEN for detection notifications")
	return cmd
}

// --------------------------------------------------------------------------
// process / replay commands
// --------------------------------------------------------------------------

func processCmd() *cobra.Command {
	var eventID int64
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one stored detection event synchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventID < 1 {
				return fmt.Errorf("--event-id is required")
			}
			return run(func(ctx context.Context, cfg *config.Config, st store.Store) error {
				event, err := st.GetDetection(ctx, eventID)
				if err != nil {
					return fmt.Errorf("load event: %w", err)
				}
				res, err := newProcessor(cfg, st).ProcessDetectionEvent(ctx, event)
				logger.Info("Event processed",
					"duration", res.Duration.Round(time.Millisecond),
					"summary", res.Summary())
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&eventID, "event-id", 0, "Detection event ID")
	return cmd
}

// syncQueue processes each enqueued event immediately.
type syncQueue struct {
	ctx       context.Context
	processor *alerts.Processor
	sent      int
}

func (q *syncQueue) Enqueue(event models.DetectionEvent) error {
	res, err := q.processor.ProcessDetectionEvent(q.ctx, event)
	q.sent += res.RecordsWritten
	if err != nil {
		return err
	}
	logger.Info("Replayed event", "summary", res.Summary())
	return nil
}

func replayCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run alert processing for recent detections",
		Long: "Replays every detection created within --window, oldest first. " +
			"Users already alerted are skipped by the duplicate window; failed sends are retried.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, cfg *config.Config, st store.Store) error {
				q := &syncQueue{ctx: ctx, processor: newProcessor(cfg, st)}
				n, err := maintenance.CatchUp(ctx, st, q, window, time.Now(), logger)
				if err != nil {
					logger.Error("Replay aborted", "events", n, "alerts_sent", q.sent, "error", err)
					return err
				}
				logger.Info("Replay finished", "events", n, "alerts_sent", q.sent)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", time.Hour, "How far back to replay")
	return cmd
}

// --------------------------------------------------------------------------
// cleanup command
// --------------------------------------------------------------------------

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge sent alerts and detections past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, cfg *config.Config, st store.Store) error {
				report, err := maintenance.Cleanup(ctx, st, maintenance.ConfigFrom(cfg), time.Now(), logger)
				if err != nil {
					return err
				}
				logger.Info("Cleanup finished", "sent_alerts", report.SentAlerts, "detections", report.Detections)
				return nil
			})
		},
	}
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, nil
}

func newProcessor(cfg *config.Config, st store.Store) *alerts.Processor {
	return alerts.NewProcessor(st, notify.New(cfg, logger), logger,
		alerts.WithPolicy(alerts.PolicyFrom(cfg, logger)),
	)
}

func run(fn func(ctx context.Context, cfg *config.Config, st store.Store) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	return fn(ctx, cfg, st)
}
