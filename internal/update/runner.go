package update

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Event Bus
// -------------------------------------------------------------------------

// EventBus broadcasts pre-formatted SSE frames to stream clients. The
// full history is kept and replayed to late joiners, so a browser that
// opens the stream mid-update still sees every phase.
type EventBus struct {
	mu      sync.Mutex
	history []string
	subs    map[chan string]struct{}
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan string]struct{})}
}

// Subscribe registers a client channel, pre-loaded with the history.
func (b *EventBus) Subscribe() chan string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, len(b.history)+256)
	for _, event := range b.history {
		ch <- event
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a client channel.
func (b *EventBus) Unsubscribe(ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, ch)
}

// Publish formats an SSE frame, appends it to the history and fans it
// out. Slow clients lose events rather than stalling the update.
func (b *EventBus) Publish(eventType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, raw)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, frame)
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (b *EventBus) phase(name string, progress int, message string) {
	b.Publish("phase", map[string]any{
		"phase": name, "progress": progress, "message": message,
	})
}

func (b *EventBus) logLine(phase, line string) {
	b.Publish("log", map[string]any{"line": line, "phase": phase})
}

// -------------------------------------------------------------------------
// Runner
// -------------------------------------------------------------------------

const (
	defaultBootstrapTimeout = 15 * time.Minute
	defaultHealthRetries    = 8
	defaultHealthInterval   = 3 * time.Second

	bootstrapURLFormat = "https://raw.githubusercontent.com/DK5EN/McApp/%s/bootstrap/mcapp.sh"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Runner executes one update or rollback cycle, publishing progress on
// its event bus. It runs inside the standalone runner process, never
// the daemon.
type Runner struct {
	Slots *Slots
	Bus   *EventBus
	Log   *slog.Logger

	// BootstrapTimeout bounds the bootstrap phase (default 15 min).
	BootstrapTimeout time.Duration

	HealthRetries  int
	HealthInterval time.Duration

	// HealthURLs overrides the default HTTP health probes (tests).
	HealthURLs map[string]string

	// SkipServices disables systemd interaction (tests).
	SkipServices bool

	// EtcFiles overrides the config files snapshotted before a swap.
	EtcFiles []string

	// RestoreRoot overrides the filesystem root snapshots restore to.
	RestoreRoot string
}

func (r *Runner) bootstrapTimeout() time.Duration {
	if r.BootstrapTimeout > 0 {
		return r.BootstrapTimeout
	}
	return defaultBootstrapTimeout
}

// RunUpdate executes a full update: snapshot, bootstrap into the
// oldest slot, activate, health check, and auto-rollback on failure.
func (r *Runner) RunUpdate(ctx context.Context, dev bool) map[string]any {
	start := time.Now()

	activeSlot, hasActive := r.Slots.Active()
	targetSlot := r.Slots.OldestSlot()
	active := "none"
	if hasActive {
		active = fmt.Sprintf("slot-%d", activeSlot)
	}
	r.Bus.phase("prepare", 5,
		fmt.Sprintf("Target: slot-%d (active: %s)", targetSlot, active))

	if hasActive {
		r.Bus.phase("snapshot", 10, "Snapshotting config files...")
		if err := r.snapshotEtc(activeSlot); err != nil {
			r.Bus.logLine("snapshot", "Config snapshot failed: "+err.Error())
		}
	}

	r.Bus.phase("bootstrap", 15, "Running bootstrap...")
	if err := os.MkdirAll(r.Slots.SlotDir(targetSlot), 0o755); err != nil {
		return r.failed(start, err.Error())
	}
	if ok := r.runBootstrap(ctx, activeSlot, hasActive, dev); !ok {
		r.Bus.phase("failed", 100, "Bootstrap failed")
		return r.failed(start, "bootstrap_error")
	}

	r.Bus.phase("activate", 80, fmt.Sprintf("Activating slot-%d...", targetSlot))
	version := r.Slots.Version(targetSlot)
	if err := r.Slots.SetMeta(SlotMeta{
		Slot:       targetSlot,
		Version:    version,
		Status:     "active",
		DeployedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return r.failed(start, "write slot metadata: "+err.Error())
	}
	if err := r.Slots.Swap(targetSlot); err != nil {
		return r.failed(start, "swap symlink: "+err.Error())
	}

	r.Bus.phase("health_check", 85, "Running health checks...")
	if r.runHealthChecks(ctx) {
		r.Bus.phase("complete", 100, "Update successful")
		return map[string]any{
			"status":     "success",
			"version":    version,
			"slot":       targetSlot,
			"duration_s": int(time.Since(start).Seconds()),
		}
	}

	r.Bus.phase("rollback", 90, "Health checks failed, rolling back...")
	if hasActive {
		r.doRollback(activeSlot)
		return map[string]any{
			"status":           "rolled_back",
			"reason":           "health_check_failed",
			"restored_version": r.Slots.Meta(activeSlot).Version,
			"duration_s":       int(time.Since(start).Seconds()),
		}
	}
	return r.failed(start, "health_check_failed_no_rollback_target")
}

// RunRollback executes a manual rollback to the previous slot.
func (r *Runner) RunRollback(ctx context.Context) map[string]any {
	start := time.Now()

	activeSlot, hasActive := r.Slots.Active()
	target, ok := r.Slots.RollbackTarget()
	if !ok {
		return map[string]any{
			"status": "failed", "reason": "no_rollback_target", "duration_s": 0,
		}
	}

	r.Bus.phase("rollback", 10,
		fmt.Sprintf("Rolling back slot-%d -> slot-%d...", activeSlot, target))

	if hasActive {
		if err := r.snapshotEtc(activeSlot); err != nil {
			r.Bus.logLine("rollback", "Config snapshot failed: "+err.Error())
		}
	}
	r.doRollback(target)

	r.Bus.phase("health_check", 80, "Verifying rollback...")
	healthOK := r.runHealthChecks(ctx)

	status := "success"
	if !healthOK {
		status = "warning"
	}
	return map[string]any{
		"status":     status,
		"version":    r.Slots.Meta(target).Version,
		"slot":       target,
		"health_ok":  healthOK,
		"duration_s": int(time.Since(start).Seconds()),
	}
}

func (r *Runner) failed(start time.Time, reason string) map[string]any {
	return map[string]any{
		"status":     "failed",
		"reason":     reason,
		"duration_s": int(time.Since(start).Seconds()),
	}
}

// doRollback swaps to the target slot, restores its config snapshot
// and restarts the services.
func (r *Runner) doRollback(target int) {
	r.Bus.logLine("rollback", fmt.Sprintf("Swapping to slot-%d", target))
	if err := r.Slots.Swap(target); err != nil {
		r.Bus.logLine("rollback", "Symlink swap failed: "+err.Error())
		return
	}

	restored, err := r.restoreEtc(target)
	if err != nil {
		r.Bus.logLine("rollback", "Config restore failed: "+err.Error())
	} else if restored {
		r.Bus.logLine("rollback", "Restored /etc config snapshot")
	}

	if r.SkipServices {
		return
	}
	r.Bus.logLine("rollback", "Restarting services...")
	exec.Command("systemctl", "daemon-reload").Run()
	for _, svc := range []string{"lighttpd", "mcapp"} {
		exec.Command("systemctl", "restart", svc).Run()
		r.Bus.logLine("rollback", "Restarted "+svc)
	}
}

// -------------------------------------------------------------------------
// Bootstrap
// -------------------------------------------------------------------------

// runBootstrap locates the bootstrap script (active slot first, GitHub
// fallback) and streams its output as log events.
func (r *Runner) runBootstrap(ctx context.Context, activeSlot int, hasActive, dev bool) bool {
	script := ""
	if hasActive {
		candidate := fmt.Sprintf("%s/bootstrap/mcapp.sh", r.Slots.SlotDir(activeSlot))
		if _, err := os.Stat(candidate); err == nil {
			script = candidate
		}
	}
	if script == "" {
		r.Bus.logLine("bootstrap", "No local bootstrap found, downloading from GitHub...")
		downloaded, err := r.downloadBootstrap(ctx, dev)
		if err != nil {
			r.Bus.logLine("bootstrap", "Bootstrap download failed: "+err.Error())
			return false
		}
		script = downloaded
		defer os.Remove(downloaded)
	}

	args := []string{script, "--skip"}
	if dev {
		args = append(args, "--dev")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.bootstrapTimeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", args...)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.Bus.logLine("bootstrap", "Bootstrap execution error: "+err.Error())
		return false
	}
	// Interleave stderr into the same stream the scanner reads.
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		r.Bus.logLine("bootstrap", "Bootstrap execution error: "+err.Error())
		return false
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := ansiRE.ReplaceAllString(scanner.Text(), "")
		r.Bus.logLine("bootstrap", line)
	}

	err = cmd.Wait()
	if runCtx.Err() == context.DeadlineExceeded {
		r.Bus.logLine("bootstrap", fmt.Sprintf(
			"TIMEOUT: Bootstrap exceeded %s", r.bootstrapTimeout()))
		return false
	}
	return err == nil
}

// downloadBootstrap fetches the bootstrap script for the release (or
// development) branch into a temporary file.
func (r *Runner) downloadBootstrap(ctx context.Context, dev bool) (string, error) {
	branch := "main"
	if dev {
		branch = "development"
	}
	url := fmt.Sprintf(bootstrapURLFormat, branch)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download bootstrap: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "mcapp-bootstrap-*.sh")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// -------------------------------------------------------------------------
// Health Checks
// -------------------------------------------------------------------------

// runHealthChecks verifies the deployment end to end: both systemd
// services, the static webapp, the SSE server and the proxy route.
// Each check retries before it counts as failed.
func (r *Runner) runHealthChecks(ctx context.Context) bool {
	retries := r.HealthRetries
	if retries <= 0 {
		retries = defaultHealthRetries
	}
	interval := r.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	urls := r.HealthURLs
	if urls == nil {
		urls = map[string]string{
			"webapp_http":    "http://localhost/webapp/index.html",
			"sse_health":     "http://localhost:2981/health",
			"lighttpd_proxy": "http://localhost/health",
		}
	}

	type check struct {
		name string
		fn   func() bool
	}
	var checks []check
	if !r.SkipServices {
		checks = append(checks,
			check{"mcapp_service", func() bool { return systemdActive("mcapp") }},
			check{"lighttpd_service", func() bool { return systemdActive("lighttpd") }},
		)
	}
	for _, name := range []string{"webapp_http", "sse_health", "lighttpd_proxy"} {
		if url, ok := urls[name]; ok {
			checks = append(checks, check{name, func() bool { return httpHealthy(url) }})
		}
	}

	allPassed := true
	for _, c := range checks {
		passed := false
		for attempt := 0; attempt < retries && !passed; attempt++ {
			if c.fn() {
				passed = true
				break
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(interval):
			}
		}
		r.Bus.Publish("health", map[string]any{"check": c.name, "passed": passed})
		if !passed {
			allPassed = false
		}
	}
	return allPassed
}

func systemdActive(service string) bool {
	return exec.Command("systemctl", "is-active", "--quiet", service).Run() == nil
}

func httpHealthy(url string) bool {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
