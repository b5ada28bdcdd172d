// Command api is the ArogyaKrishi API server.
//
// Usage:
//
//	arogyakrishi-api
//	API_PORT=8080 STORE_DRIVER=sqlite arogyakrishi-api

// @title ArogyaKrishi API
// @version 1.0.0
// @description Crop disease detection and proximity alerts. Farmers upload leaf images; diseased detections alert nearby registered devices.
// @host localhost:8000
// @BasePath /api/v1
// @schemes http https
// @contact.name ArogyaKrishi
// @license.name MIT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/alerts"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/api"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/archive"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/cache"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/classifier"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/detection"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/live"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/maintenance"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/notify"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/store"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/stream"

	_ "github.com/arogyakrishi/arogyakrishi-backend/docs" // swagger docs
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to the store
	logger.Info("Opening store...", "driver", cfg.StoreDriver)
	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("Store ready", "driver", cfg.StoreDriver)

	// Initialize cache
	appCache := cache.New(cfg.CacheEnabled, cfg.CacheTTL)
	logger.Info("Cache initialized", "enabled", cfg.CacheEnabled, "ttl", cfg.CacheTTL)

	// Live alert feed
	hub := live.NewHub(cfg.CORSAllowOrigins, logger)

	// Background workers share one WaitGroup so shutdown can wait for the
	// dispatcher to drain.
	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	goRun(appCache.Run)
	goRun(hub.Run)

	// Alert path
	var (
		dispatch detection.Dispatch
		queue    *alerts.Dispatcher
	)
	switch cfg.DispatchMode {
	case config.DispatchInline:
		processor := alerts.NewProcessor(st, notify.New(cfg, logger), logger,
			alerts.WithPolicy(alerts.PolicyFrom(cfg, logger)),
			alerts.WithObserver(hub.ObserveAlert),
		)
		queue = alerts.NewDispatcher(processor, cfg.AlertWorkers, cfg.AlertQueueSize, logger)
		goRun(queue.Run)
		dispatch = detection.Inline(queue)
		logger.Info("Alerts processed in-process", "workers", cfg.AlertWorkers)
	case config.DispatchNotify:
		dispatch = detection.ViaNotify(st)
		logger.Info("Alerts delegated to worker via NOTIFY")
	case config.DispatchKafka:
		publisher := stream.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		dispatch = detection.ViaStream(publisher)
		logger.Info("Alerts delegated to worker via Kafka", "topic", cfg.KafkaTopic)
	}

	// Start maintenance tickers (retention cleanup, catch-up sweep). The sweep
	// needs a local queue, so it only runs in inline mode.
	var sweepQueue maintenance.Enqueuer
	if queue != nil {
		sweepQueue = queue
	}
	mcfg := maintenance.ConfigFrom(cfg)
	goRun(func(ctx context.Context) { maintenance.Start(ctx, st, sweepQueue, mcfg, logger) })

	// Classifier
	var clf classifier.Classifier
	if cfg.ClassifierURL != "" {
		clf = classifier.NewRemote(cfg.ClassifierURL, cfg.ClassifierTimeout, logger)
		logger.Info("Using remote classifier", "url", cfg.ClassifierURL)
	} else {
		seed := cfg.ClassifierSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		clf = classifier.NewMock(rand.New(rand.NewSource(seed)))
		logger.Info("Using mock classifier")
	}

	opts := []detection.Option{
		detection.WithCache(appCache),
		detection.WithAnnouncer(hub.PublishDetection),
		detection.WithNearby(detection.NearbyConfig{
			RadiusKm: cfg.NearbyRadiusKm,
			Lookback: cfg.NearbyLookback,
			Limit:    cfg.NearbyLimit,
		}),
	}
	if cfg.S3Bucket != "" {
		arch, err := archive.NewS3(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			logger.Error("Failed to configure image archive", "error", err)
			os.Exit(1)
		}
		opts = append(opts, detection.WithArchive(arch))
		logger.Info("Image archive enabled", "bucket", cfg.S3Bucket)
	}
	svc := detection.NewService(st, clf, dispatch, logger, opts...)

	// Create router
	deps := api.Deps{Store: st, Detection: svc, Cache: appCache, Live: hub}
	if queue != nil {
		deps.Queue = queue
	}
	router := api.NewRouter(deps, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting ArogyaKrishi API",
			"addr", addr,
			"environment", cfg.Environment,
			"dispatch", cfg.DispatchMode,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	wg.Wait()
	logger.Info("Server stopped")
}
