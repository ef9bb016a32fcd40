package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"unison/internal/auth"
	"unison/internal/clock"
	"unison/internal/config"
	"unison/internal/library"
	"unison/internal/server"
	"unison/internal/session"
	"unison/internal/syncplay"
	"unison/internal/tunnel"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := "./config.toml"

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}
	configureLogger(logger, &cfg.Logging)

	if _, err := os.Stat(cfg.Music.LibraryPath); os.IsNotExist(err) {
		logger.WithField("library_path", cfg.Music.LibraryPath).Fatal("Music directory does not exist. Please create it and add your music files.")
	}

	store, err := library.NewStore(cfg.Database.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("Error opening catalog database")
	}
	catalog := library.NewCatalog(store)
	defer catalog.Close()

	authService, err := auth.NewService(&cfg.Auth)
	if err != nil {
		logger.WithError(err).Fatal("Error initializing auth service")
	}

	registry := session.NewRegistry(cfg.SyncPlay.MessageQueueSize, logger)

	manager := syncplay.NewManager(clock.System{}, catalog, authService, registry, &cfg.SyncPlay, logger)

	// An ended auth session takes its client session and group membership
	// with it, whether it ended by logout or by expiry.
	authService.OnSessionEnd(func(sess *auth.Session) {
		if _, ok := manager.GroupOf(sess.ID); ok {
			manager.LeaveGroup(context.Background(), sess.ID)
		}
		registry.Unregister(sess.ID)
	})

	srv := server.NewServer(cfg, catalog, authService, registry, manager, logger)

	if err := srv.ScanLibrary(); err != nil {
		logger.WithError(err).Fatal("Error scanning music library")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Empty-group sweeper
	go manager.Run(ctx)

	tunnelService, err := tunnel.NewService(&cfg.Tunnel, logger)
	if err != nil {
		logger.WithError(err).Warn("Tunnel service not available")
	}
	if tunnelService != nil {
		if err := tunnelService.StartTunnel(ctx, "http://"+cfg.GetAddress()); err != nil {
			logger.WithError(err).Warn("Could not start tunnel")
		} else {
			defer tunnelService.Stop()
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	<-sigs
	logger.Info("Received shutdown signal")

	// Stop active groups before the listener goes away so clients halt
	// instead of drifting.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	manager.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}

	logger.Info("Shutdown complete")
}

// configureLogger applies the configured level and format.
func configureLogger(logger *logrus.Logger, cfg *config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}
