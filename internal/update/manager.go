package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dk5en/mcapp/internal/config"
)

const (
	defaultReleaseURL = "https://api.github.com/repos/DK5EN/McApp/releases/latest"
	checkCacheTTL     = 5 * time.Minute
	checkTimeout      = 5 * time.Second
)

// ErrInProgress indicates the runner is already active on its port.
var ErrInProgress = errors.New("update already in progress")

// deployedVersionFile is where the lighttpd-served webapp exposes its
// version.
const deployedVersionFile = "/var/www/html/webapp/version.html"

// -------------------------------------------------------------------------
// Manager
// -------------------------------------------------------------------------

// CheckResult reports the installed vs. released version.
type CheckResult struct {
	Installed       string `json:"installed"`
	Available       string `json:"available"`
	UpdateAvailable bool   `json:"update_available"`
}

// LaunchResult tells the frontend where to follow a launched runner.
type LaunchResult struct {
	Status    string `json:"status"`
	Mode      string `json:"mode"`
	StreamURL string `json:"stream_url"`
	StatusURL string `json:"status_url"`
}

// ManagerOptions configures the update manager.
type ManagerOptions struct {
	// Home is the user home directory holding the slot layout.
	Home string

	// ReleaseURL overrides the GitHub latest-release endpoint.
	ReleaseURL string

	// RunnerBin overrides the update runner binary path. Defaults to
	// bin/mcapp-runner inside the active slot.
	RunnerBin string

	// RunnerAddr overrides the runner's listen address used for the
	// in-progress check.
	RunnerAddr string

	Client *http.Client
	Log    *slog.Logger
}

// Manager is the daemon-side face of the update system: release
// checks, runner launching and slot inspection.
type Manager struct {
	slots      *Slots
	releaseURL string
	runnerBin  string
	runnerAddr string
	http       *http.Client
	log        *slog.Logger

	mu        sync.Mutex
	cached    *CheckResult
	checkedAt time.Time
}

// NewManager creates an update manager rooted at the given home
// directory.
func NewManager(opts ManagerOptions) *Manager {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: checkTimeout}
	}
	releaseURL := opts.ReleaseURL
	if releaseURL == "" {
		releaseURL = defaultReleaseURL
	}
	runnerAddr := opts.RunnerAddr
	if runnerAddr == "" {
		runnerAddr = fmt.Sprintf("127.0.0.1:%d", config.UpdateRunnerPort)
	}

	slots := NewSlots(opts.Home)
	runnerBin := opts.RunnerBin
	if runnerBin == "" {
		runnerBin = filepath.Join(slots.Dir, "current", "bin", "mcapp-runner")
	}

	return &Manager{
		slots:      slots,
		releaseURL: releaseURL,
		runnerBin:  runnerBin,
		runnerAddr: runnerAddr,
		http:       client,
		log:        log.With("component", "update"),
	}
}

// SlotInfo returns the current slot overview.
func (m *Manager) SlotInfo() SlotInfo {
	return m.slots.Info()
}

// -------------------------------------------------------------------------
// Release Check
// -------------------------------------------------------------------------

// Check compares the installed version against the latest GitHub
// release. Results are cached for five minutes; an unreachable GitHub
// reads as "unknown" rather than an error.
func (m *Manager) Check(ctx context.Context) CheckResult {
	m.mu.Lock()
	if m.cached != nil && time.Since(m.checkedAt) < checkCacheTTL {
		cached := *m.cached
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	installed := m.installedVersion()
	available := m.latestRelease(ctx)

	result := CheckResult{
		Installed: installed,
		Available: available,
		UpdateAvailable: available != "unknown" &&
			installed != "not_installed" &&
			strings.TrimPrefix(available, "v") != strings.TrimPrefix(installed, "v"),
	}

	m.mu.Lock()
	m.cached = &result
	m.checkedAt = time.Now()
	m.mu.Unlock()
	return result
}

func (m *Manager) installedVersion() string {
	paths := []string{
		deployedVersionFile,
		filepath.Join(m.slots.Dir, "current", "webapp", "version.html"),
	}
	for _, path := range paths {
		if raw, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(raw))
		}
	}
	return "not_installed"
}

func (m *Manager) latestRelease(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.releaseURL, nil)
	if err != nil {
		return "unknown"
	}
	req.Header.Set("User-Agent", "McApp")

	resp, err := m.http.Do(req)
	if err != nil {
		m.log.Debug("release check failed", "error", err)
		return "unknown"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "unknown"
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&release); err != nil {
		return "unknown"
	}
	if release.TagName == "" {
		return "unknown"
	}
	return release.TagName
}

// -------------------------------------------------------------------------
// Runner Launch
// -------------------------------------------------------------------------

// Launch starts the standalone update runner in its own systemd scope,
// detached from the daemon so a mid-update restart of mcapp cannot
// kill the update. Returns ErrInProgress when the runner port is
// already live.
func (m *Manager) Launch(ctx context.Context, mode string, dev bool) (LaunchResult, error) {
	if mode != ModeUpdate && mode != ModeRollback {
		return LaunchResult{}, fmt.Errorf("unknown runner mode %q", mode)
	}

	if conn, err := net.DialTimeout("tcp", m.runnerAddr, time.Second); err == nil {
		conn.Close()
		return LaunchResult{}, ErrInProgress
	}

	if _, err := os.Stat(m.runnerBin); err != nil {
		return LaunchResult{}, fmt.Errorf("update runner not found at %s: %w", m.runnerBin, err)
	}

	args := []string{
		"systemd-run", "--scope", "--unit=mcapp-update",
		m.runnerBin,
		"--mode", mode,
		"--home", filepath.Dir(m.slots.Dir),
	}
	if dev {
		args = append(args, "--dev")
	}

	cmd := exec.Command("sudo", args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return LaunchResult{}, fmt.Errorf("launch update runner: %w", err)
	}
	// The scope owns the process; don't hold a handle on it.
	if err := cmd.Process.Release(); err != nil {
		m.log.Warn("release runner process handle", "error", err)
	}

	m.log.Info("update runner launched", "mode", mode, "dev", dev)
	return LaunchResult{
		Status:    "launched",
		Mode:      mode,
		StreamURL: fmt.Sprintf("http://localhost:%d/stream", config.UpdateRunnerPort),
		StatusURL: fmt.Sprintf("http://localhost:%d/status", config.UpdateRunnerPort),
	}, nil
}
