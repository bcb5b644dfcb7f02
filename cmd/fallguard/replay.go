package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/fallguard/internal/logger"
	"github.com/rewired-gh/fallguard/internal/pipeline"
	"github.com/rewired-gh/fallguard/internal/sensor"
)

const settlePoll = 50 * time.Millisecond

func replayCmd() *cobra.Command {
	var (
		speed     float64
		countdown time.Duration
	)
	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Feed a recorded JSONL device session through the pipeline",
		Long: `replay reads newline-delimited device messages, the same messages a
phone sends over MQTT or WebSocket, and runs them through the detector.
Any countdown it starts runs to completion, so a recorded fall ends in
a real alert unless a later "ok" is sent from Telegram.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return replay(cmd.Context(), args[0], speed, countdown)
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 0, "Playback speed relative to recorded time, 0 replays as fast as possible")
	cmd.Flags().DurationVar(&countdown, "countdown", 0, "Override confirmation.duration")
	return cmd
}

func replay(parent context.Context, path string, speed float64, countdown time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if countdown > 0 {
		cfg.Confirmation.Duration = countdown
		if countdown < cfg.Confirmation.Tick {
			cfg.Confirmation.Tick = countdown
		}
	}
	// Replayed devices have already granted access.
	cfg.Sensor.RequirePermission = false

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	runDone := make(chan error, 1)
	go func() { runDone <- a.pipeline.Run(ctx) }()

	if err := waitFor(ctx, func(s pipeline.Snapshot) bool { return s.SensorsActive || s.SensorError != "" }, a.pipeline); err != nil {
		return err
	}
	if snap := a.pipeline.Snapshot(); !snap.SensorsActive {
		return fmt.Errorf("sensors did not start: %s", snap.SensorError)
	}

	n, err := sensor.Replay(ctx, f, a.feed, sensor.ReplayOptions{Speed: speed})
	if err != nil {
		return err
	}
	logger.Info("Replayed %d messages from %s", n, path)

	// Drain queued samples before checking for a countdown.
	if err := waitFor(ctx, func(pipeline.Snapshot) bool { return a.pipeline.Queued() == 0 }, a.pipeline); err != nil {
		return err
	}
	time.Sleep(settlePoll)
	if err := waitFor(ctx, func(s pipeline.Snapshot) bool { return s.Phase == pipeline.PhaseIdle }, a.pipeline); err != nil {
		return err
	}

	cancel()
	if err := <-runDone; err != nil {
		return err
	}

	snap := a.pipeline.Snapshot()
	if snap.LastSession == nil {
		fmt.Println("No fall detected")
		return nil
	}
	fmt.Printf("Session %s: %s\n", snap.LastSession.ID, snap.LastSession.Status)
	if snap.LastResult != nil {
		fmt.Printf("Alert: %s\n", snap.LastResult.Message)
	}
	return nil
}

func waitFor(ctx context.Context, cond func(pipeline.Snapshot) bool, p *pipeline.Pipeline) error {
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		if cond(p.Snapshot()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
