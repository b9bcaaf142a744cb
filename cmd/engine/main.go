package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/api"
	"github.com/pumpwatch/pumpwatch/internal/bridge"
	"github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/config"
	"github.com/pumpwatch/pumpwatch/internal/controller"
	"github.com/pumpwatch/pumpwatch/internal/db"
	"github.com/pumpwatch/pumpwatch/internal/events"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("engine")
	logger.Info().Str("environment", cfg.App.Environment).Msg("Starting pumpwatch engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	database, err := db.New(ctx, cfg.Database.GetDSN(), cfg.Database.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	hub := api.NewHub(config.NewLogger("ws-hub"))
	go hub.Run()

	ctrl := controller.New(cfg, database, config.NewLogger("controller"))
	ctrl.Attach(func(sessionID string, _ events.SessionMode, b *bus.Bus) (func(), error) {
		br := bridge.New(hub, b, sessionID, config.NewSessionLogger("bridge", sessionID))
		if err := br.Start(); err != nil {
			return nil, err
		}
		return br.Stop, nil
	})

	server := api.NewServer(api.Config{
		Addr:          cfg.API.GetAPIAddr(),
		EnableMetrics: cfg.Monitoring.EnableMetrics,
	}, ctrl, database, hub, config.NewLogger("api"))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer shutdownCancel()

	if ctrl.State() == controller.StateRunning {
		if err := ctrl.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Session stop failed during shutdown")
		}
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server stop failed")
	}
	hub.Shutdown()

	logger.Info().Msg("Engine stopped")
}
