package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// Sentinel errors for CLI validation.
var (
	errEmptyMessage = errors.New("message text must not be empty")
	errUnknownVia   = errors.New("unknown transport, expected udp or ble")
)

func sendCmd() *cobra.Command {
	var (
		dst string
		via string
	)

	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a message into the mesh",
		Long:  "Queues a chat message for transmission via the MeshCom node. The text arguments are joined with spaces.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			msg := strings.TrimSpace(strings.Join(args, " "))
			if msg == "" {
				return errEmptyMessage
			}

			msgType, err := parseVia(via)
			if err != nil {
				return fmt.Errorf("parse transport: %w", err)
			}

			body := map[string]any{
				"type": msgType,
				"dst":  dst,
				"msg":  msg,
			}

			var resp struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			}
			if err := client.postJSON(context.Background(), "/api/send", body, &resp); err != nil {
				return fmt.Errorf("send message: %w", err)
			}

			fmt.Println(resp.Message)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&dst, "dst", "*", "destination callsign or * for broadcast")
	flags.StringVar(&via, "via", "udp", "transport: udp or ble")

	return cmd
}

// parseVia maps the CLI transport name to the /api/send message type.
func parseVia(s string) (string, error) {
	switch s {
	case "udp":
		return "msg", nil
	case "ble":
		return "BLE", nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownVia, s)
	}
}
