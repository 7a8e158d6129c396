// McApp daemon -- MeshCom LoRa mesh gateway.
//
// Bridges a MeshCom IoT node (UDP and BLE) to the web frontend over
// SSE, persists mesh traffic in SQLite and answers mesh commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dk5en/mcapp/internal/ble"
	"github.com/dk5en/mcapp/internal/command"
	"github.com/dk5en/mcapp/internal/config"
	mcmetrics "github.com/dk5en/mcapp/internal/metrics"
	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/sse"
	"github.com/dk5en/mcapp/internal/storage"
	"github.com/dk5en/mcapp/internal/udp"
	"github.com/dk5en/mcapp/internal/update"
	appversion "github.com/dk5en/mcapp/internal/version"
	"github.com/dk5en/mcapp/internal/weather"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			"error", err)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("mcapp starting",
		"version", appversion.Version,
		"call_sign", cfg.CallSign,
		"udp_target", cfg.UDP.Target,
		"ble_mode", cfg.BLE.Mode)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := mcmetrics.NewCollector(reg)

	// 5. Run the gateway.
	if err := runGateway(cfg, reg, collector, logger, *configPath, logLevel); err != nil {
		logger.Error("mcapp exited with error", "error", err)
		return 1
	}

	logger.Info("mcapp stopped")
	return 0
}

// runGateway wires the message bus, transports, command engine, store
// and SSE server together and runs them under one errgroup with a
// signal-aware context for graceful shutdown.
func runGateway(
	cfg *config.Config,
	reg *prometheus.Registry,
	collector *mcmetrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	// Message store. Opened first; every other component depends on it.
	store, err := storage.Open(ctx, storage.Options{
		Path:    cfg.Storage.DBPath,
		Metrics: collector,
		Log:     logger,
	})
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer closeStore(store, logger)

	bus := router.New(cfg.CallSign, store, collector, logger)

	// Weather service; the router feeds it GPS fixes from the node.
	wx := weather.New(weather.Options{
		StationName: cfg.Location.StationName,
		Log:         logger,
	})
	bus.SetGPSHandler(wx.SetLocation)

	g, gCtx := errgroup.WithContext(ctx)

	// UDP transport to the MeshCom node. Bound before anything that can
	// block so health checks find the port listening promptly.
	transport := udp.New(config.MeshComUDPPort, cfg.UDP.Target, config.MeshComUDPPort,
		bus, collector, logger)
	if err := transport.Start(); err != nil {
		return fmt.Errorf("start udp transport: %w", err)
	}
	defer closeTransport(transport, logger)
	bus.RegisterProtocol(router.ProtocolUDP, transport)
	g.Go(func() error {
		return transport.Run(gCtx)
	})

	// Command engine answers mesh commands and filters blocked senders.
	engine := command.New(bus, command.Options{
		Callsign:     cfg.CallSign,
		UserInfoText: cfg.UserInfoText,
		Store:        store,
		Weather:      wx,
		Metrics:      collector,
		Log:          logger,
	})
	engine.Attach(bus)
	defer engine.Close()

	// Remote BLE bridge, when configured.
	if cfg.BLE.Mode == "remote" {
		bleClient := ble.New(ble.Options{
			URL:     cfg.BLE.URL,
			APIKey:  cfg.BLE.APIKey,
			Bus:     bus,
			Metrics: collector,
			Log:     logger,
		})
		bus.RegisterProtocol(router.ProtocolBLE, bleClient)
		defer closeBLE(bleClient, logger)

		if err := bleClient.Start(gCtx); err != nil {
			return fmt.Errorf("start ble client: %w", err)
		}
		g.Go(func() error {
			return bleClient.Run(gCtx)
		})
	} else {
		logger.Info("ble integration disabled")
	}

	// SSE server for the web frontend.
	srv := sse.New(sse.Options{
		Router:   bus,
		Storage:  store,
		Weather:  wx,
		Updates:  newUpdateManager(logger),
		Gatherer: reg,
		Log:      logger,
	})
	g.Go(func() error {
		return srv.Run(gCtx)
	})

	// Nightly retention prune and telemetry rollup.
	g.Go(func() error {
		err := store.RunMaintenance(gCtx, storage.PruneOptions{
			MsgHours: cfg.Storage.PruneHours,
			PosHours: cfg.Storage.PruneHoursPos,
			AckHours: cfg.Storage.PruneHoursAck,
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)
		armForceExit(logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run gateway: %w", err)
	}
	return nil
}

// newUpdateManager creates the self-update manager rooted in the
// invoking user's home directory. A missing home directory disables
// the update endpoints rather than failing startup.
func newUpdateManager(logger *slog.Logger) *update.Manager {
	home, err := os.UserHomeDir()
	if err != nil {
		logger.Warn("cannot determine home directory, update endpoints disabled",
			"error", err)
		return nil
	}
	return update.NewManager(update.ManagerOptions{
		Home: home,
		Log:  logger,
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// signalGracePeriod is the window after shutdown begins in which
// duplicate signals are ignored; terminals often deliver the
// interrupt twice.
const signalGracePeriod = 5 * time.Second

// armForceExit installs a second-signal handler once shutdown has
// begun. A signal arriving after the grace window aborts the drain.
func armForceExit(logger *slog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		deadline := time.Now().Add(signalGracePeriod)
		for sig := range sigs {
			if time.Now().Before(deadline) {
				logger.Debug("ignoring duplicate shutdown signal", "signal", sig.String())
				continue
			}
			logger.Error("second shutdown signal received, forcing exit",
				"signal", sig.String())
			os.Exit(1)
		}
	}()
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := sdaemon.SdNotify(false, sdaemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", "error", err)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", "error", err)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd
// documentation. If watchdog is not configured, the goroutine exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := sdaemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", "error", err)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		"watchdog_sec", interval,
		"keepalive_interval", tickInterval)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := sdaemon.SdNotify(false, sdaemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", "error", wdErr)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// Only the log level is applied dynamically via the shared LevelVar;
// transport and callsign changes require a restart.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path and
// updates the dynamic log level. Errors during reload are logged but do
// not stop the daemon -- the previous configuration remains in effect.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			"error", err)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		"old_log_level", oldLevel.String(),
		"new_log_level", newLevel.String())
}

// -------------------------------------------------------------------------
// Component Teardown
// -------------------------------------------------------------------------

func closeStore(store *storage.Store, logger *slog.Logger) {
	if err := store.Close(); err != nil {
		logger.Warn("failed to close message store", "error", err)
	}
}

func closeTransport(t *udp.Transport, logger *slog.Logger) {
	if err := t.Close(); err != nil {
		logger.Warn("failed to close udp transport", "error", err)
	}
}

func closeBLE(c *ble.Client, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("failed to close ble client", "error", err)
	}
}

// -------------------------------------------------------------------------
// Config + Logger Setup
// -------------------------------------------------------------------------

// loadConfig loads configuration from a file path, falling back to the
// environment-selected default path.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	return cfg, nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
