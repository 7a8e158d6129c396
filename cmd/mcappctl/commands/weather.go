package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func weatherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "weather",
		Short: "Show current station weather",
		Long:  "Fetches the cached weather conditions for the station coordinates reported by the node GPS.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var data map[string]any
			if err := client.getJSON(context.Background(), "/api/weather", &data); err != nil {
				return fmt.Errorf("get weather: %w", err)
			}

			if msg, ok := data["error"].(string); ok && msg != "" {
				fmt.Println(msg)
				return nil
			}

			out, err := formatKeyValues(data, outputFormat)
			if err != nil {
				return fmt.Errorf("format weather: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
