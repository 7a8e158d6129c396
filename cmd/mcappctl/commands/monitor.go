package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// streamBufSize is the scanner buffer for one SSE event line; register
// replay blobs can exceed the bufio default.
const streamBufSize = 1024 * 1024

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream gateway events",
		Long:  "Connects to the mcapp event stream and prints mesh traffic and gateway events until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			body, err := client.stream(ctx, "/events")
			if err != nil {
				return fmt.Errorf("open event stream: %w", err)
			}
			defer body.Close()

			scanner := bufio.NewScanner(body)
			scanner.Buffer(make([]byte, 64*1024), streamBufSize)

			for scanner.Scan() {
				payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
				if !ok {
					continue
				}

				out, fmtErr := formatEvent(payload, outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}
				if out != "" {
					fmt.Println(out)
				}
			}

			if err := scanner.Err(); err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) {
					return nil
				}

				return fmt.Errorf("stream error: %w", err)
			}

			return nil
		},
	}
}
