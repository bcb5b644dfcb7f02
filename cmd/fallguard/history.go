package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/fallguard/internal/models"
	"github.com/rewired-gh/fallguard/internal/storage"
)

func historyCmd() *cobra.Command {
	var (
		filter string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded incidents, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := models.ParseIncidentFilter(filter)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := storage.New(cfg.Storage.MaxIncidents, cfg.Storage.DBPath)
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}
			defer store.Close()

			incidents, err := store.ListIncidents(f, limit)
			if err != nil {
				return err
			}
			printIncidents(incidents)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "all", "One of all, falls, alerts, cancelled")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum incidents to show, 0 for all")
	return cmd
}

func printIncidents(incidents []*models.Incident) {
	if len(incidents) == 0 {
		fmt.Println("No incidents recorded")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSOURCE\tSTATUS\tMAGNITUDE\tLOCATION\tALERT")
	for _, inc := range incidents {
		loc := "-"
		if inc.Latitude != nil && inc.Longitude != nil {
			loc = fmt.Sprintf("%.5f,%.5f", *inc.Latitude, *inc.Longitude)
		}
		alertCol := "-"
		if inc.AlertSuccess != nil {
			alertCol = inc.AlertMessage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
			inc.StartedAt.Local().Format(time.DateTime), inc.Source, inc.Status,
			inc.TriggeringMagnitude, loc, alertCol)
	}
	_ = w.Flush()
}
