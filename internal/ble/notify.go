package ble

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/wire"
)

// readIdleTimeout drops a stream that stops delivering data; the bridge
// sends ping events well inside this window.
const readIdleTimeout = 90 * time.Second

// Run consumes the bridge's SSE notification stream until ctx is
// cancelled, reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.backMin
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.log.Info("connecting to notification stream", "url", c.url+"/api/ble/notifications")
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Warn("notification stream lost, reconnecting",
				"error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.backMax)
		} else {
			backoff = c.backMin
		}
	}
}

// streamOnce holds one SSE connection open and dispatches its events.
func (c *Client) streamOnce(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		c.url+"/api/ble/notifications", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	// The stream must outlive the command client's request timeout.
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Idle watchdog: cancel the request when no data arrives.
	watchdog := time.AfterFunc(readIdleTimeout, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	eventType := "message"
	var data strings.Builder
	for scanner.Scan() {
		watchdog.Reset(readIdleTimeout)
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				c.handleEvent(ctx, eventType, data.String())
			}
			eventType = "message"
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

func (c *Client) handleEvent(ctx context.Context, eventType, data string) {
	switch eventType {
	case "notification":
		c.handleNotification(ctx, data)
	case "status":
		c.handleStatus(data)
	case "ping":
		c.log.Debug("stream ping")
	}
}

// handleNotification decodes one device notification and publishes it
// on the router.
func (c *Client) handleNotification(ctx context.Context, data string) {
	var notification map[string]any
	if err := json.Unmarshal([]byte(data), &notification); err != nil {
		c.log.Warn("invalid notification JSON", "error", err)
		return
	}

	out := c.transformNotification(notification)
	if out == nil || c.bus == nil {
		return
	}
	c.bus.Publish(ctx, "ble", router.TopicBLENotification, out)
}

// handleStatus tracks remote link state changes pushed by the bridge.
func (c *Client) handleStatus(data string) {
	var status map[string]any
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		c.log.Warn("invalid status JSON", "error", err)
		return
	}
	state, _ := status["state"].(string)
	switch state {
	case router.BLEStateConnected, router.BLEStateConnecting,
		router.BLEStateDisconnected:
	default:
		state = router.BLEStateDisconnected
	}
	addr, _ := status["device_address"].(string)
	c.setState(state, addr)
	c.log.Debug("remote status update", "state", state)
}

// transformNotification converts a bridge notification into the
// canonical message shape, decoding exactly as a local BLE link would.
// MHeard and generic register transforms keep their own src_type; real
// traffic is tagged ble_remote.
func (c *Client) transformNotification(notification map[string]any) wire.Message {
	ts := notificationTimestamp(notification)
	ownCall := ""
	if c.bus != nil {
		ownCall = c.bus.Callsign()
	}

	switch notification["format"] {
	case "json":
		parsed, ok := notification["parsed"].(map[string]any)
		if !ok {
			break
		}
		if out := wire.DispatchJSON(parsed); out != nil {
			return c.finishTransform(out, ts)
		}
		// Unrecognized TYP: pass the parsed object through.
		parsed["timestamp"] = ts
		parsed["src_type"] = "ble_remote"
		return parsed

	case "binary":
		raw64, _ := notification["raw_base64"].(string)
		if raw64 == "" {
			break
		}
		raw, err := base64.StdEncoding.DecodeString(raw64)
		if err != nil {
			c.log.Warn("undecodable binary notification", "error", err)
			break
		}

		switch {
		case bytes.HasPrefix(raw, []byte{'@'}):
			frame, ack, err := wire.Decode(raw)
			if err != nil {
				c.log.Warn("undecodable mesh frame from bridge", "error", err)
				break
			}
			if out := wire.Dispatch(frame, ack, ownCall); out != nil {
				return c.finishTransform(out, ts)
			}
		case bytes.HasPrefix(raw, []byte("D{")):
			obj, err := wire.DecodeJSON(raw)
			if err != nil {
				c.log.Warn("undecodable register frame from bridge", "error", err)
				break
			}
			if out := wire.DispatchJSON(obj); out != nil {
				return c.finishTransform(out, ts)
			}
		}

		// Decoding failed: hand the raw payload downstream for debugging.
		return wire.Message{
			"src_type":   "ble_remote",
			"format":     "binary",
			"raw_base64": raw64,
			"raw_hex":    notification["raw_hex"],
			"timestamp":  ts,
		}
	}

	// Unknown format: pass through tagged.
	notification["src_type"] = "ble_remote"
	return notification
}

func (c *Client) finishTransform(out wire.Message, ts int64) wire.Message {
	transformer, _ := out["transformer"].(string)
	if transformer != "generic_ble" && transformer != "mh" {
		out["src_type"] = "ble_remote"
	}
	out["timestamp"] = ts
	return out
}

func notificationTimestamp(notification map[string]any) int64 {
	switch v := notification["timestamp"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return time.Now().UnixMilli()
}
