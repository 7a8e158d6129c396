// McApp update runner -- standalone deployment executor.
//
// Runs outside the daemon in its own systemd scope, so restarting
// mcapp mid-update cannot kill the update. Streams progress as SSE on
// /stream, runs post-deployment health checks and rolls back
// automatically when they fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dk5en/mcapp/internal/update"
)

// gracePeriod keeps the HTTP server alive after completion so clients
// can still read the final result.
const gracePeriod = 30 * time.Second

// triggerPath supports the systemd .path unit launch variant, where
// the daemon drops a JSON args file instead of starting the runner
// directly.
const triggerPath = "/var/lib/mcapp/update-trigger"

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "", "operation mode: update or rollback")
	dev := flag.Bool("dev", false, "deploy the development pre-release")
	home := flag.String("home", "", "user home directory holding the slot layout")
	argsFile := flag.String("args-file", "", "JSON file with mode/dev args (systemd .path trigger)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "runner")

	if *argsFile != "" {
		loadArgsFile(*argsFile, mode, dev)
	}
	if *mode != update.ModeUpdate && *mode != update.ModeRollback {
		logger.Error("mode must be update or rollback", "mode", *mode)
		return 2
	}

	homeDir := *home
	if homeDir == "" {
		var err error
		if homeDir, err = os.UserHomeDir(); err != nil {
			logger.Error("cannot determine home directory", "error", err)
			return 1
		}
	}

	logger.Info("starting", "mode", *mode, "dev", *dev, "home", homeDir)

	slots := update.NewSlots(homeDir)
	if err := slots.EnsureLayout(); err != nil {
		logger.Error("cannot create slot layout", "error", err)
		return 1
	}

	bus := update.NewEventBus()
	server := update.NewRunnerServer(slots, bus, *mode, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run(ctx) }()

	bus.Publish("phase", map[string]any{
		"phase":    "started",
		"progress": 0,
		"message":  "Update runner started (mode: " + *mode + ")",
	})

	runner := &update.Runner{Slots: slots, Bus: bus, Log: logger}
	var result map[string]any
	if *mode == update.ModeUpdate {
		result = runner.RunUpdate(ctx, *dev)
	} else {
		result = runner.RunRollback(ctx)
	}

	server.SetResult(result)
	bus.Publish("result", result)
	logger.Info("finished", "status", result["status"])

	// Grace period: let connected clients read the result.
	time.Sleep(gracePeriod)
	cancel()
	<-serverDone

	if result["status"] == "failed" {
		return 1
	}
	return 0
}

// loadArgsFile reads mode/dev from a JSON trigger file and removes the
// trigger artifacts.
func loadArgsFile(path string, mode *string, dev *bool) {
	defer os.Remove(triggerPath)

	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return
	}
	defer os.Remove(path)

	var args struct {
		Mode string `json:"mode"`
		Dev  bool   `json:"dev"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return
	}
	if *mode == "" && args.Mode != "" {
		*mode = args.Mode
	}
	if !*dev {
		*dev = args.Dev
	}
}
