package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rewired-gh/fallguard/internal/alert"
	"github.com/rewired-gh/fallguard/internal/config"
	"github.com/rewired-gh/fallguard/internal/confirm"
	"github.com/rewired-gh/fallguard/internal/detector"
	"github.com/rewired-gh/fallguard/internal/location"
	"github.com/rewired-gh/fallguard/internal/logger"
	"github.com/rewired-gh/fallguard/internal/metrics"
	"github.com/rewired-gh/fallguard/internal/notify"
	"github.com/rewired-gh/fallguard/internal/pipeline"
	"github.com/rewired-gh/fallguard/internal/sensor"
	"github.com/rewired-gh/fallguard/internal/storage"
)

// app holds everything a command needs. close releases it in reverse order.
type app struct {
	cfg      *config.Config
	store    *storage.Storage
	stats    *metrics.Stats
	fixes    *location.FixStore
	feed     *sensor.Feed
	pipeline *pipeline.Pipeline
	telegram *notify.Client

	closers []func()
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "configs/config.yaml" {
		// The default file is optional; defaults and environment still apply.
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	if path != "" {
		logger.Info("Configuration loaded from %s", path)
	} else {
		logger.Info("No configuration file, using defaults and environment")
	}
	return cfg, nil
}

// newApp wires storage, ingestion, location, dispatch and the pipeline.
// blockWhenFull is set for replays so no recorded sample is dropped.
func newApp(ctx context.Context, cfg *config.Config, blockWhenFull bool) (*app, error) {
	a := &app{cfg: cfg, stats: metrics.New()}

	store, err := storage.New(cfg.Storage.MaxIncidents, cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.store = store
	// max_incidents may have been lowered since the last run.
	if err := store.RotateIncidents(); err != nil {
		logger.Warn("Failed to rotate incidents: %v", err)
	}
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	})

	a.fixes = location.NewFixStore()
	a.feed = sensor.NewFeed(sensor.FeedConfig{
		RequirePermission: cfg.Sensor.RequirePermission,
		PermissionTimeout: cfg.Sensor.PermissionTimeout,
	}, a.fixes)

	var provider location.Provider
	if cfg.Location.Enabled {
		provider = a.fixes
	}
	locator := location.NewResolver(provider, location.Options{
		EnableHighAccuracy: cfg.Location.EnableHighAccuracy,
		Timeout:            cfg.Location.Timeout,
		MaximumAge:         cfg.Location.MaximumAge,
	})

	if cfg.Alert.BaseURL == "" {
		logger.Error("alert.base_url is not set; confirmed falls will not reach anyone")
	}
	dispatchOpts := alert.Options{
		BaseURL: cfg.Alert.BaseURL,
		Timeout: cfg.Alert.Timeout,
	}
	if cfg.Redis.Enabled {
		client, err := alert.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		dispatchOpts.Guard = alert.NewRedisGuard(client, cfg.Redis.KeyPrefix, cfg.Alert.GuardTTL)
		logger.Info("Alert dispatch guard enabled on %s", cfg.Redis.Addr)
	}

	deps := pipeline.Deps{
		Sampler:    sensor.NewSampler(a.feed),
		Locator:    locator,
		Dispatcher: alert.NewDispatcher(dispatchOpts),
		Store:      store,
		Stats:      a.stats,
	}

	if cfg.Telegram.Enabled {
		a.telegram, err = notify.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		deps.Notifier = a.telegram
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	a.pipeline, err = pipeline.New(pipeline.Config{
		Detector: detector.Config{
			Threshold: cfg.Detector.Threshold,
			Unit:      detector.Unit(cfg.Detector.Unit),
			Cooldown:  cfg.Detector.Cooldown,
		},
		Confirmation: confirm.Config{
			Duration: cfg.Confirmation.Duration,
			Tick:     cfg.Confirmation.Tick,
		},
		HistorySize:   cfg.Detector.HistorySize,
		BufferSize:    cfg.Sensor.BufferSize,
		BlockWhenFull: blockWhenFull,
	}, deps)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
