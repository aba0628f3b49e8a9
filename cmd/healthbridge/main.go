package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/healthbridge/config"
	"github.com/mossy-p/healthbridge/internal/backend"
	"github.com/mossy-p/healthbridge/internal/handlers"
	"github.com/mossy-p/healthbridge/internal/notify"
	"github.com/mossy-p/healthbridge/internal/redis"
	"github.com/mossy-p/healthbridge/internal/reminder"
	"github.com/mossy-p/healthbridge/internal/store"
)

func main() {
	// Setting up logger
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
		Level:           log.InfoLevel,
	})

	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warn("Unknown log level, using info", "level", cfg.LogLevel)
	}
	loc, _ := cfg.Location()

	logger.Info(
		"Configuration loaded",
		"env", cfg.Environment,
		"port", cfg.Port,
		"signaling", cfg.Signaling.Backend,
		"timezone", loc,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres holds sessions and medications; Redis holds presence
	backends, err := backend.Open(ctx, cfg, backend.Options{Redis: true, Postgres: true, Migrate: true}, logger)
	if err != nil {
		logger.Error("Failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	sessions := store.NewSessionStore(backends.Pool)
	medications := store.NewMedicationStore(backends.Pool)
	presence := redis.NewPresence(backends.Redis)

	// Reminders reach browsers through the notification hub
	hub := notify.NewHub(logger)
	defer hub.Close()

	reminders := reminder.NewManager(medications, hub,
		reminder.WithLocation(loc),
		reminder.WithLogger(logger),
	)
	defer reminders.Close()
	hub.OnPermissionChange(reminders.PermissionChanged)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	handlers.Routes{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Sessions:       handlers.NewSessionHandler(sessions, presence, backends.Log, cfg.Signaling.Retention, logger),
		Medications:    handlers.NewMedicationHandler(medications, reminders, loc, logger),
		Notifications:  handlers.NewNotificationHandler(hub, logger),
	}.Register(router)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting healthbridge server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	// Channel to listen for interrupt signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig)

		// Give outstanding requests 10s to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", "error", err)
		}
		logger.Info("Server stopped")
	}
}
