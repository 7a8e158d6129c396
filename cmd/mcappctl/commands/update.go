package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dk5en/mcapp/internal/update"
)

func updateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Manage webapp deployments",
	}

	cmd.AddCommand(updateCheckCmd())
	cmd.AddCommand(updateStartCmd())
	cmd.AddCommand(updateRollbackCmd())
	cmd.AddCommand(updateSlotsCmd())

	return cmd
}

// --- update check ---

func updateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check for a newer release",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var result update.CheckResult
			if err := client.getJSON(context.Background(), "/api/update/check", &result); err != nil {
				return fmt.Errorf("check for updates: %w", err)
			}

			out, err := formatCheck(&result, outputFormat)
			if err != nil {
				return fmt.Errorf("format check result: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- update start ---

func updateStartCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Deploy the latest release into a fresh slot",
		Long:  "Launches the standalone update runner. Progress streams on the runner's /stream endpoint; the daemon keeps serving throughout.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			body := map[string]any{"dev": dev}

			var result update.LaunchResult
			if err := client.postJSON(context.Background(), "/api/update/start", body, &result); err != nil {
				return fmt.Errorf("start update: %w", err)
			}

			out, err := formatLaunch(&result, outputFormat)
			if err != nil {
				return fmt.Errorf("format launch result: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().BoolVar(&dev, "dev", false, "deploy the development pre-release")

	return cmd
}

// --- update rollback ---

func updateRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Roll back to the previous deployment slot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var result update.LaunchResult
			if err := client.postJSON(context.Background(), "/api/update/rollback", nil, &result); err != nil {
				return fmt.Errorf("start rollback: %w", err)
			}

			out, err := formatLaunch(&result, outputFormat)
			if err != nil {
				return fmt.Errorf("format launch result: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- update slots ---

func updateSlotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slots",
		Short: "Show deployment slot states",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var info update.SlotInfo
			if err := client.getJSON(context.Background(), "/api/update/slots", &info); err != nil {
				return fmt.Errorf("get slot info: %w", err)
			}

			out, err := formatSlots(&info, outputFormat)
			if err != nil {
				return fmt.Errorf("format slot info: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
