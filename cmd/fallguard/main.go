// fallguard watches a phone's motion stream for falls, runs a
// cancellable countdown, and sends an emergency alert with the last
// known location when nobody answers.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/fallguard/internal/server"
)

var configPath string

func main() {
	cmd := &cobra.Command{
		Use:   "fallguard",
		Short: "Fall detection and emergency alerting",
		Long: `fallguard ingests accelerometer and gyroscope samples from a phone,
detects sudden impacts, and asks the user to confirm they are OK.
When the countdown runs out, or the user asks for help, it sends an
alert with the last known location.`,
		Version:      server.Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file")

	cmd.AddCommand(serveCmd(), replayCmd(), historyCmd())

	if err := fang.Execute(context.Background(), cmd); err != nil {
		os.Exit(1)
	}
}
