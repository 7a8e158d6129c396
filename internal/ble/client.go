// Package ble connects the gateway to a remote BLE bridge service over
// HTTP. The bridge runs on hardware with Bluetooth (typically a
// Raspberry Pi next to the node) and exposes a REST API for commands
// plus a Server-Sent Events stream for device notifications. This side
// decodes the notifications with the shared wire codec and publishes
// them on the router, so the rest of the daemon cannot tell remote BLE
// from a local link.
package ble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mcmetrics "github.com/dk5en/mcapp/internal/metrics"
	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/wire"
)

const (
	defaultTimeout  = 30 * time.Second
	connectTimeout  = 45 * time.Second // allows the bridge 3x10s BLE attempts
	defaultCooldown = 15 * time.Second

	requestRetries    = 2
	requestRetryDelay = 1500 * time.Millisecond
	statusProbeTries  = 4
)

// ErrNotConnected indicates a send was attempted without a BLE link.
var ErrNotConnected = errors.New("ble device not connected")

// Publisher is the router surface the client needs.
type Publisher interface {
	Publish(ctx context.Context, source, topic string, data wire.Message)
	Callsign() string
}

// Options configures a Client.
type Options struct {
	// URL is the base address of the remote BLE bridge.
	URL string

	// APIKey is sent as X-API-Key on every request when set.
	APIKey string

	// DeviceAddress selects the node to connect to. Empty lets the
	// bridge use its configured default device.
	DeviceAddress string

	Bus     Publisher
	Metrics *mcmetrics.Collector
	Log     *slog.Logger

	// Client overrides the HTTP client, for tests.
	Client *http.Client

	// ConnectCooldown throttles repeated connect attempts after a
	// failure; zero means 15 seconds.
	ConnectCooldown time.Duration

	// BackoffMin/BackoffMax bound the SSE reconnect delay; zero means
	// 5s and 60s.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Client is the remote BLE adapter. It satisfies router.BLEClient.
type Client struct {
	url      string
	apiKey   string
	device   string
	bus      Publisher
	metrics  *mcmetrics.Collector
	log      *slog.Logger
	http     *http.Client
	cooldown time.Duration
	backMin  time.Duration
	backMax  time.Duration

	mu          sync.Mutex
	state       string
	deviceAddr  string
	deviceName  string
	lastAttempt time.Time
}

var _ router.BLEClient = (*Client)(nil)

// New creates a Client for the bridge at opts.URL.
func New(opts Options) *Client {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultTimeout}
	}
	if opts.ConnectCooldown <= 0 {
		opts.ConnectCooldown = defaultCooldown
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 5 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 60 * time.Second
	}
	return &Client{
		url:      strings.TrimRight(opts.URL, "/"),
		apiKey:   opts.APIKey,
		device:   opts.DeviceAddress,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      opts.Log.With("component", "ble"),
		http:     opts.Client,
		cooldown: opts.ConnectCooldown,
		backMin:  opts.BackoffMin,
		backMax:  opts.BackoffMax,
		state:    router.BLEStateDisconnected,
	}
}

// Start probes the bridge once so the daemon logs the link state early.
// A down bridge is not fatal; the SSE loop keeps retrying.
func (c *Client) Start(ctx context.Context) error {
	c.log.Info("starting remote BLE client", "url", c.url)

	resp, err := c.request(ctx, http.MethodGet, "/api/ble/status", nil,
		reqOpts{retries: statusProbeTries, quiet: true})
	if err != nil {
		c.log.Warn("remote BLE bridge not ready yet, SSE loop will retry", "error", err)
		c.publishStatus(ctx, "remote connect", "error",
			fmt.Sprintf("Cannot reach BLE service at %s: %v", c.url, err))
		return nil
	}

	c.applyRemoteStatus(resp)
	c.log.Info("remote bridge status", "state", c.currentState())
	return nil
}

// Close releases pooled connections. The SSE loop is stopped by
// cancelling the Run context.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// -------------------------------------------------------------------------
// HTTP Requests
// -------------------------------------------------------------------------

type reqOpts struct {
	retries int
	timeout time.Duration
	quiet   bool
}

// request performs one bridge API call, retrying on 409 (bridge busy
// with another BLE operation) and on transport errors.
func (c *Client) request(ctx context.Context, method, path string, body wire.Message, opts reqOpts) (map[string]any, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= opts.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(requestRetryDelay):
			}
		}

		status, doc, err := c.doRequest(ctx, method, path, payload, opts.timeout)
		if err != nil {
			lastErr = err
			c.logRetry(opts.quiet, "request failed", path, attempt, opts.retries, err)
			continue
		}

		if status == http.StatusConflict && attempt < opts.retries {
			c.log.Info("bridge busy, retrying", "path", path, "attempt", attempt+1)
			lastErr = fmt.Errorf("bridge busy (409)")
			continue
		}
		if status >= 400 {
			detail := "unknown error"
			if d, ok := doc["detail"].(string); ok {
				detail = d
			}
			return nil, fmt.Errorf("bridge error (%d): %s", status, detail)
		}
		return doc, nil
	}
	return nil, fmt.Errorf("bridge unreachable after %d attempts: %w", opts.retries+1, lastErr)
}

// doRequest performs one attempt and decodes the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, payload []byte, timeout time.Duration) (int, map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	doc := map[string]any{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil && resp.StatusCode < 400 {
		return resp.StatusCode, nil, fmt.Errorf("decode bridge response: %w", err)
	}
	return resp.StatusCode, doc, nil
}

func (c *Client) logRetry(quiet bool, msg, path string, attempt, retries int, err error) {
	if quiet {
		c.log.Debug(msg, "path", path, "attempt", attempt+1, "retries", retries, "error", err)
	} else {
		c.log.Warn(msg, "path", path, "attempt", attempt+1, "retries", retries, "error", err)
	}
}

// -------------------------------------------------------------------------
// router.BLEClient
// -------------------------------------------------------------------------

// SendMessage transmits a chat message to a destination via the device.
func (c *Client) SendMessage(ctx context.Context, msg, dst string) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	resp, err := c.request(ctx, http.MethodPost, "/api/ble/send",
		wire.Message{"message": msg, "group": dst},
		reqOpts{retries: requestRetries})
	if err != nil {
		return err
	}
	if ok, _ := resp["success"].(bool); !ok {
		return fmt.Errorf("bridge rejected message")
	}
	return nil
}

// SendCommand transmits a device command (--pos, --reboot, ...).
func (c *Client) SendCommand(ctx context.Context, cmd string) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	resp, err := c.request(ctx, http.MethodPost, "/api/ble/send",
		wire.Message{"command": cmd},
		reqOpts{retries: requestRetries})
	if err != nil {
		return err
	}
	if ok, _ := resp["success"].(bool); !ok {
		return fmt.Errorf("bridge rejected command %q", cmd)
	}
	return nil
}

// SetCommand transmits a setter command. The bridge has a dedicated
// time-sync endpoint; everything else goes out as a plain command.
func (c *Client) SetCommand(ctx context.Context, cmd string) error {
	if cmd != "--settime" {
		return c.SendCommand(ctx, cmd)
	}
	if !c.isConnected() {
		return ErrNotConnected
	}
	resp, err := c.request(ctx, http.MethodPost, "/api/ble/settime", nil,
		reqOpts{retries: requestRetries})
	if err != nil {
		return err
	}
	if ok, _ := resp["success"].(bool); !ok {
		return fmt.Errorf("bridge rejected settime")
	}
	return nil
}

// Connect asks the bridge to establish the BLE link. Duplicate requests
// while a connect is in flight and requests within the failure cooldown
// are ignored; the web client re-sends connect on every SSE reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == router.BLEStateConnecting {
		c.mu.Unlock()
		c.log.Info("connect already in progress, ignoring duplicate request")
		return nil
	}
	if !c.lastAttempt.IsZero() {
		if remaining := c.cooldown - time.Since(c.lastAttempt); remaining > 0 {
			c.mu.Unlock()
			c.log.Info("connect cooldown active, skipping",
				"remaining", remaining.Round(time.Second))
			return nil
		}
	}
	c.state = router.BLEStateConnecting
	c.lastAttempt = time.Now()
	device := c.device
	c.mu.Unlock()

	c.publishStatus(ctx, "connect BLE", "info", "Connecting to "+orDefault(device, "node")+"...")

	body := wire.Message{}
	if device != "" {
		body["device_address"] = device
	}
	// The bridge retries BLE internally; a 409 here means another
	// connect is running, so don't stack retries on top.
	resp, err := c.request(ctx, http.MethodPost, "/api/ble/connect", body,
		reqOpts{retries: 0, timeout: connectTimeout})
	if err != nil {
		c.setState(router.BLEStateDisconnected, "")
		c.publishStatus(ctx, "connect BLE result", "error", err.Error())
		return fmt.Errorf("connect: %w", err)
	}

	if ok, _ := resp["success"].(bool); !ok {
		msg := "Connection failed"
		if m, ok := resp["message"].(string); ok && m != "" {
			msg = m
		}
		c.setState(router.BLEStateDisconnected, "")
		c.publishStatus(ctx, "connect BLE result", "error", msg)
		return fmt.Errorf("connect: %s", msg)
	}

	addr, _ := resp["device_address"].(string)
	if addr == "" {
		addr = device
	}
	c.setState(router.BLEStateConnected, addr)
	c.mu.Lock()
	c.lastAttempt = time.Time{}
	c.mu.Unlock()
	c.publishStatus(ctx, "connect BLE result", "ok", "Connected to "+orDefault(addr, "node"))
	return nil
}

// Disconnect asks the bridge to drop the BLE link.
func (c *Client) Disconnect(ctx context.Context) error {
	c.publishStatus(ctx, "disconnect BLE", "info", "Disconnecting...")

	_, err := c.request(ctx, http.MethodPost, "/api/ble/disconnect", nil,
		reqOpts{retries: requestRetries})
	c.setState(router.BLEStateDisconnected, "")
	if err != nil {
		c.publishStatus(ctx, "disconnect BLE result", "error", err.Error())
		return err
	}
	c.publishStatus(ctx, "disconnect BLE result", "ok", "Disconnected")
	return nil
}

// RefreshStatus queries the bridge and updates the cached link state.
func (c *Client) RefreshStatus(ctx context.Context) (router.BLEStatus, error) {
	resp, err := c.request(ctx, http.MethodGet, "/api/ble/status", nil,
		reqOpts{retries: requestRetries})
	if err != nil {
		return c.Status(), err
	}
	c.applyRemoteStatus(resp)
	return c.Status(), nil
}

// Status returns the cached link state without touching the bridge.
func (c *Client) Status() router.BLEStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return router.BLEStatus{
		State:         c.state,
		DeviceAddress: c.deviceAddr,
		DeviceName:    c.deviceName,
		Mode:          "remote",
	}
}

// -------------------------------------------------------------------------
// State
// -------------------------------------------------------------------------

func (c *Client) applyRemoteStatus(resp map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasConnected := c.state == router.BLEStateConnected
	if connected, _ := resp["connected"].(bool); connected {
		c.state = router.BLEStateConnected
		if addr, ok := resp["device_address"].(string); ok {
			c.deviceAddr = addr
		}
		if name, ok := resp["device_name"].(string); ok {
			c.deviceName = name
		}
	} else {
		if state, ok := resp["state"].(string); ok && state != "" {
			c.state = state
		} else {
			c.state = router.BLEStateDisconnected
		}
		c.deviceAddr = ""
	}
	c.recordLinkLocked(wasConnected)
}

func (c *Client) setState(state, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasConnected := c.state == router.BLEStateConnected
	c.state = state
	c.deviceAddr = addr
	c.recordLinkLocked(wasConnected)
}

func (c *Client) recordLinkLocked(wasConnected bool) {
	nowConnected := c.state == router.BLEStateConnected
	if c.metrics != nil && nowConnected != wasConnected {
		c.metrics.SetBLEConnected(nowConnected)
	}
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == router.BLEStateConnected
}

func (c *Client) currentState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// publishStatus reports a BLE operation on the status topic, where the
// web clients and the register cache observe it.
func (c *Client) publishStatus(ctx context.Context, command, result, msg string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, "ble", router.TopicBLEStatus, wire.Message{
		"src_type":  "BLE",
		"TYP":       "remote",
		"command":   command,
		"result":    result,
		"msg":       msg,
		"timestamp": time.Now().UnixMilli(),
	})
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
