// Package commands implements the mcappctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dk5en/mcapp/internal/update"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// --- Status ---

func formatStatus(status *statusView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(status)
	case formatTable:
		return formatStatusTable(status)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatStatusTable(status *statusView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Status:\t%s\n", status.Status)
	fmt.Fprintf(w, "Version:\t%s\n", status.Version)
	fmt.Fprintf(w, "Connected Clients:\t%d\n", status.Clients)
	fmt.Fprintf(w, "Uptime:\t%s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// --- Update check / launch ---

func formatCheck(result *update.CheckResult, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(result)
	case formatTable:
		return formatCheckTable(result)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatCheckTable(result *update.CheckResult) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Installed:\t%s\n", result.Installed)
	fmt.Fprintf(w, "Available:\t%s\n", result.Available)
	fmt.Fprintf(w, "Update Available:\t%v\n", result.UpdateAvailable)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatLaunch(result *update.LaunchResult, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(result)
	case formatTable:
		return formatLaunchTable(result)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatLaunchTable(result *update.LaunchResult) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Status:\t%s\n", result.Status)
	fmt.Fprintf(w, "Mode:\t%s\n", result.Mode)
	fmt.Fprintf(w, "Progress Stream:\t%s\n", result.StreamURL)
	fmt.Fprintf(w, "Status URL:\t%s\n", result.StatusURL)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// --- Slots ---

func formatSlots(info *update.SlotInfo, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(info)
	case formatTable:
		return formatSlotsTable(info)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSlotsTable(info *update.SlotInfo) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tVERSION\tSTATUS\tDEPLOYED")

	for _, slot := range info.Slots {
		version := slot.Version
		if version == "" {
			version = valueNA
		}
		deployed := slot.DeployedAt
		if deployed == "" {
			deployed = valueNA
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", slot.Slot, version, slot.Status, deployed)
	}

	fmt.Fprintf(w, "\nRollback possible:\t%v\n", info.CanRollback)
	if info.RollbackTarget != nil {
		fmt.Fprintf(w, "Rollback target:\tslot %d\n", *info.RollbackTarget)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// --- Events ---

// formatEvent renders one SSE event payload. Table mode prints chat
// traffic as a single line and compacts everything else; JSON mode
// passes the payload through untouched.
func formatEvent(payload, format string) (string, error) {
	switch format {
	case formatJSON:
		return payload, nil
	case formatTable:
		return formatEventTable(payload), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatEventTable(payload string) string {
	var event map[string]any
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return payload
	}

	ts := time.Now().Format("15:04:05")
	if ms, ok := event["timestamp"].(float64); ok {
		ts = time.UnixMilli(int64(ms)).Format("15:04:05")
	}

	eventType, _ := event["type"].(string)
	src, _ := event["src"].(string)
	dst, _ := event["dst"].(string)
	msg, _ := event["msg"].(string)

	if src != "" && msg != "" {
		return fmt.Sprintf("[%s] %-8s %s > %s: %s", ts, eventType, src, dst, msg)
	}

	return fmt.Sprintf("[%s] %-8s %s", ts, eventType, compactJSON(event))
}

// --- Generic key/value maps ---

func formatKeyValues(data map[string]any, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(data)
	case formatTable:
		return formatKeyValuesTable(data)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatKeyValuesTable(data map[string]any) (string, error) {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	for _, key := range keys {
		fmt.Fprintf(w, "%s:\t%v\n", key, data[key])
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// --- Helpers ---

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data), nil
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}

	return string(data)
}
