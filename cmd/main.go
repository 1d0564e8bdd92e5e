package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"vaca/internal/api"
	"vaca/internal/audio"
	"vaca/internal/broadcast"
	"vaca/internal/config"
	"vaca/internal/ha"
	"vaca/internal/satellite"
	"vaca/internal/sensor"
	"vaca/internal/settings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}

	cfg, err := config.NewLoader(configDir, logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting VACA satellite bridge",
		zap.String("url", cfg.HomeAssistant.URL),
		zap.Int("satellites", len(cfg.Satellites)))

	// Create HA client
	client := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

	// Connect to Home Assistant
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	bus := broadcast.NewBus(logger)
	defer bus.Close()

	decoder := audio.NewFFmpegDecoder(cfg.FFmpeg, logger)
	registry := satellite.NewRegistry()
	trackers := make(map[string]*sensor.Tracker, len(cfg.Satellites))

	for _, satCfg := range cfg.Satellites {
		satLogger := logger.With(zap.String("satellite", satCfg.ID))

		store, err := settings.NewStore(initialSettings(satCfg.Settings, cfg.HomeAssistant.URL), satLogger)
		if err != nil {
			logger.Fatal("Invalid satellite settings", zap.String("satellite", satCfg.ID), zap.Error(err))
		}

		opts, err := satCfg.SatelliteOptions()
		if err != nil {
			logger.Fatal("Invalid satellite options", zap.String("satellite", satCfg.ID), zap.Error(err))
		}
		opts.Decoder = decoder

		if err := registry.Register(satellite.New(opts, store, bus, client, satLogger)); err != nil {
			logger.Fatal("Failed to register satellite", zap.Error(err))
		}
		trackers[satCfg.ID] = sensor.NewTracker(satCfg.ID, satLogger)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, sat := range registry.List() {
		g.Go(func() error { return sat.Run(gctx) })
	}
	for _, tracker := range trackers {
		g.Go(func() error { return tracker.Run(gctx, bus) })
	}

	server := api.NewServer(registry, trackers, bus, logger, cfg.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	logger.Info("Bridge running. Press Ctrl+C to exit.")

	<-gctx.Done()
	logger.Info("Shutting down gracefully...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Satellite worker failed", zap.Error(err))
	}
}

// initialSettings seeds ha_port from the Home Assistant URL unless the
// satellite config sets it.
func initialSettings(configured map[string]any, haURL string) map[string]any {
	out := make(map[string]any, len(configured)+1)
	for k, v := range configured {
		out[k] = v
	}
	if _, ok := out["ha_port"]; ok {
		return out
	}
	u, err := url.Parse(haURL)
	if err != nil {
		return out
	}
	if port, err := strconv.Atoi(u.Port()); err == nil {
		out["ha_port"] = port
	}
	return out
}
