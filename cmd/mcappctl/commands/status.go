package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// statusView mirrors the daemon's /api/status response.
type statusView struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Clients       int    `json:"clients"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var status statusView
			if err := client.getJSON(context.Background(), "/api/status", &status); err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			out, err := formatStatus(&status, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
