package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/fallguard/internal/logger"
	"github.com/rewired-gh/fallguard/internal/sensor"
	"github.com/rewired-gh/fallguard/internal/server"
	"github.com/rewired-gh/fallguard/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection pipeline and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush traces: %v", err)
		}
	}()

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Sensor.MQTT.Enabled {
		src := sensor.NewMQTTSource(cfg.Sensor.MQTT, a.feed)
		if err := src.Connect(); err != nil {
			return err
		}
		defer src.Close()
	}

	if a.telegram != nil {
		a.telegram.ListenForCommands(ctx, a.pipeline)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.pipeline.Run(gctx)
	})
	if cfg.Server.Enabled {
		srv := server.New(a.pipeline, a.store, a.stats, server.Options{
			Addr:          cfg.Server.Addr,
			DeviceHandler: sensor.DeviceHandler(a.feed),
			Locations:     a.fixes,
		})
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Service stopped")
	return nil
}
