package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Shi33/trae-test-split-images/internal/api"
	"github.com/Shi33/trae-test-split-images/internal/config"
	"github.com/Shi33/trae-test-split-images/internal/db"
	"github.com/Shi33/trae-test-split-images/internal/enhance"
	"github.com/Shi33/trae-test-split-images/internal/events"
	"github.com/Shi33/trae-test-split-images/internal/media"
	"github.com/Shi33/trae-test-split-images/internal/repository"
	"github.com/Shi33/trae-test-split-images/internal/service"
	"github.com/Shi33/trae-test-split-images/pkg/ffmpeg"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	setupLogging(cfg)

	logrus.WithField("function", "main").Info("Starting frame streaming server")

	for _, dir := range []string{cfg.UploadDir, cfg.FramesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "main",
				"dir":      dir,
				"error":    err.Error(),
			}).Fatal("Failed to create working directory")
		}
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStartup()

	if err := ffmpeg.CheckInstallation(startupCtx, cfg.FFmpegPath); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"ffmpeg":   cfg.FFmpegPath,
			"error":    err.Error(),
		}).Warn("ffmpeg not available, video uploads will fail")
	}

	var (
		observers []service.SessionObserver
		lookups   api.StatusLookups
	)

	// Connect to PostgreSQL
	if cfg.PostgresEnabled {
		dbConn, err := db.ConnectPostgres(startupCtx, cfg)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to database")
		}
		defer closeDB(dbConn)
		sessionRepo := repository.NewSessionRepository(dbConn, cfg.PostgresSchema)
		observers = append(observers, sessionRepo)
		lookups = append(lookups, sessionRepo)
	}

	// Connect to Redis
	if cfg.RedisEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(startupCtx).Err(); err != nil {
			logrus.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		store := repository.NewStatusStore(rdb, cfg.RedisStatusTTL)
		observers = append(observers, store)
		// Redis is fresher than the audit table, so it is asked first.
		lookups = append(api.StatusLookups{store}, lookups...)
		logrus.WithFields(logrus.Fields{"function": "main", "addr": cfg.RedisAddr}).Info("Redis connected")
	}

	// Connect to RabbitMQ
	if cfg.RabbitMQEnabled {
		publisher, err := events.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to RabbitMQ")
		}
		defer publisher.Close()
		observers = append(observers, publisher.WithProgress(cfg.RabbitMQProgress))
	}

	// Initialize services
	encoder := media.NewJPEGEncoder(cfg.JPEGQuality)
	lifecycle := service.NewLifecycleManager(cfg.UploadDir, cfg.FramesDir)
	processor := service.NewStreamProcessor(
		service.FFmpegOpener(ffmpeg.Options{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
			MaxPixels:   cfg.MaxFramePixels,
		}),
		encoder,
		lifecycle,
		service.StreamOptions{
			BatchSize:     cfg.BatchSize,
			ProgressEvery: cfg.ProgressEvery,
			SpoolFrames:   cfg.SpoolFrames,
		},
	)
	sessionService := service.NewSessionService(lifecycle, processor, observers...)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	cleanup := service.NewFrameCleanup(
		[]string{cfg.UploadDir, cfg.FramesDir},
		cfg.CleanupInterval,
		cfg.CleanupWindow,
		sessionService.IsActive,
	)
	go cleanup.Start(bgCtx)

	// Setup HTTP server
	var lookup api.StatusLookup
	if len(lookups) > 0 {
		lookup = lookups
	}
	handler := api.NewHandler(sessionService, enhance.NewEnhancer(enhance.DefaultParams), encoder, lookup, cfg)
	server := api.NewHTTPServer(cfg, api.SetupRoutes(handler))

	go func() {
		logrus.WithFields(logrus.Fields{"function": "main", "addr": cfg.ServerAddress}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.WithField("function", "main").Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Closing the listener waits for open streams, which only end once their
	// sessions are cancelled, so both run together.
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Shutdown(ctx) }()

	if err := sessionService.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Sessions did not finish cleanup in time")
	}
	if err := <-serverDone; err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}
	stopBackground()

	logrus.WithField("function", "main").Info("Server exited gracefully")
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func closeDB(conn *sql.DB) {
	if err := conn.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close database")
	}
}
