package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dk5en/mcapp/internal/wire"
)

// -------------------------------------------------------------------------
// BLE Query Timing
// -------------------------------------------------------------------------

// The MeshCom firmware requires the hello handshake to be processed
// before it accepts further commands, and answers register queries
// slowly over the BLE link.
const (
	bleHelloWait          = 1 * time.Second
	bleQueryDelayStandard = 800 * time.Millisecond
	bleRetryBaseDelay     = 500 * time.Millisecond
	bleCommandRetries     = 3
)

// -------------------------------------------------------------------------
// Command Store
// -------------------------------------------------------------------------

// SmartInitialData is the initial payload served to a connecting web
// client: the most recent messages per conversation, current positions,
// and recent ACKs, all as stored raw JSON.
type SmartInitialData struct {
	Messages  []json.RawMessage
	Positions []json.RawMessage
	Acks      []json.RawMessage
}

// CommandStore is the storage surface needed to answer web client
// commands. The SQLite store implements it.
type CommandStore interface {
	Store

	SmartInitialWithSummary(ctx context.Context) (*SmartInitialData, wire.Message, error)
	Summary(ctx context.Context) (wire.Message, error)
	ReadCounts(ctx context.Context) (wire.Message, error)
	HiddenDestinations(ctx context.Context) ([]string, error)
	BlockedTexts(ctx context.Context) ([]string, error)
	MessagesPage(ctx context.Context, dst string, before int64, limit int, src string) ([]json.RawMessage, bool, error)
	MHeardStats(ctx context.Context, progress func(stage, detail, callsign string)) (wire.Message, error)
}

// -------------------------------------------------------------------------
// Command Routing
// -------------------------------------------------------------------------

// RouteCommand routes a web client command to the matching protocol
// handler. clientID identifies the requesting SSE client for direct
// replies; when empty, responses are broadcast to all clients.
func (r *Router) RouteCommand(ctx context.Context, command, clientID string, params wire.Message) error {
	r.log.Debug("routing command", "command", command, "client", clientID)

	switch {
	case command == "smart_initial" || command == "send message dump" || command == "send pos dump":
		return r.commandSmartInitial(ctx, clientID)

	case command == "summary":
		return r.commandSummary(ctx, clientID)

	case command == "get_messages_page":
		return r.commandMessagesPage(ctx, clientID, params)

	case command == "mheard dump":
		return r.commandMHeardDump(ctx, clientID)

	case command == "BLE info":
		return r.commandBLEInfo(ctx, clientID, true)

	case command == "connect BLE":
		return r.commandConnectBLE(ctx, clientID)

	case command == "disconnect BLE":
		return r.commandDisconnectBLE(ctx)

	case command == "resolve-ip":
		return r.commandResolveIP(ctx, asString(params["host"]))

	case strings.HasPrefix(command, "--"):
		return r.commandDevice(ctx, command)

	default:
		r.sendToClient(ctx, clientID, wire.Message{
			"src_type":  "system",
			"type":      "error",
			"msg":       "Unknown command: " + command,
			"timestamp": time.Now().UnixMilli(),
		})
		return fmt.Errorf("unknown command %q", command)
	}
}

// sendToClient delivers a payload to one SSE client when clientID is
// set, or broadcasts it otherwise.
func (r *Router) sendToClient(ctx context.Context, clientID string, payload wire.Message) {
	if clientID == "" {
		r.Publish(ctx, "router", TopicWebMessage, payload)
		return
	}

	direct := make(wire.Message, len(payload)+1)
	for k, v := range payload {
		direct[k] = v
	}
	direct["client_id"] = clientID
	r.Publish(ctx, "router", TopicWebDirect, direct)
}

// -------------------------------------------------------------------------
// Storage Commands
// -------------------------------------------------------------------------

// commandSmartInitial serves the initial payload sequence: recent
// messages and positions, the per-destination summary, and the persisted
// UI state (read counts, hidden destinations, blocked texts).
func (r *Router) commandSmartInitial(ctx context.Context, clientID string) error {
	if r.cmdStore == nil {
		return fmt.Errorf("storage not available")
	}

	initial, summary, err := r.cmdStore.SmartInitialWithSummary(ctx)
	if err != nil {
		return fmt.Errorf("smart initial: %w", err)
	}

	r.sendToClient(ctx, clientID, wire.Message{
		"type": "response",
		"msg":  "smart_initial",
		"data": map[string]any{
			"messages":  initial.Messages,
			"positions": initial.Positions,
			"acks":      initial.Acks,
		},
	})
	r.sendToClient(ctx, clientID, wire.Message{
		"type": "response",
		"msg":  "summary",
		"data": summary,
	})

	if counts, err := r.cmdStore.ReadCounts(ctx); err == nil && len(counts) > 0 {
		r.sendToClient(ctx, clientID, wire.Message{
			"type": "response",
			"msg":  "read_counts",
			"data": counts,
		})
	}
	if hidden, err := r.cmdStore.HiddenDestinations(ctx); err == nil && len(hidden) > 0 {
		r.sendToClient(ctx, clientID, wire.Message{
			"type": "response",
			"msg":  "hidden_destinations",
			"data": hidden,
		})
	}
	if blocked, err := r.cmdStore.BlockedTexts(ctx); err == nil && len(blocked) > 0 {
		r.sendToClient(ctx, clientID, wire.Message{
			"type": "response",
			"msg":  "blocked_texts",
			"data": blocked,
		})
	}

	return nil
}

func (r *Router) commandSummary(ctx context.Context, clientID string) error {
	if r.cmdStore == nil {
		return fmt.Errorf("storage not available")
	}

	summary, err := r.cmdStore.Summary(ctx)
	if err != nil {
		return fmt.Errorf("summary: %w", err)
	}

	r.sendToClient(ctx, clientID, wire.Message{
		"type": "response",
		"msg":  "summary",
		"data": summary,
	})
	return nil
}

func (r *Router) commandMessagesPage(ctx context.Context, clientID string, params wire.Message) error {
	if r.cmdStore == nil {
		return fmt.Errorf("storage not available")
	}

	dst := asString(params["dst"])
	if dst == "" {
		dst = "*"
	}
	before := int64(asFloat(params["before"]))
	if before == 0 {
		before = time.Now().UnixMilli()
	}
	limit := int(asFloat(params["limit"]))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	src := asString(params["src"])

	messages, hasMore, err := r.cmdStore.MessagesPage(ctx, dst, before, limit, src)
	if err != nil {
		return fmt.Errorf("messages page: %w", err)
	}

	r.sendToClient(ctx, clientID, wire.Message{
		"type":     "response",
		"msg":      "messages_page",
		"dst":      dst,
		"data":     messages,
		"has_more": hasMore,
	})
	return nil
}

func (r *Router) commandMHeardDump(ctx context.Context, clientID string) error {
	if r.cmdStore == nil {
		return fmt.Errorf("storage not available")
	}

	progress := func(stage, detail, callsign string) {
		payload := wire.Message{
			"type":   "progress",
			"msg":    "mheard progress",
			"stage":  stage,
			"detail": detail,
		}
		if callsign != "" {
			payload["callsign"] = callsign
		}
		r.sendToClient(ctx, clientID, payload)
	}

	stats, err := r.cmdStore.MHeardStats(ctx, progress)
	if err != nil {
		return fmt.Errorf("mheard stats: %w", err)
	}

	r.sendToClient(ctx, clientID, wire.Message{
		"type": "response",
		"msg":  "mheard stats",
		"data": stats,
	})
	return nil
}

// -------------------------------------------------------------------------
// BLE Commands
// -------------------------------------------------------------------------

func (r *Router) bleClient() BLEClient {
	client, _ := r.Protocol(ProtocolBLE).(BLEClient)
	return client
}

// commandBLEInfo reports the current BLE link state to the requesting
// client and, when connected, refreshes the device registers.
func (r *Router) commandBLEInfo(ctx context.Context, clientID string, queryRegisters bool) error {
	client := r.bleClient()
	if client == nil {
		r.log.Warn("BLE client not available for info")
		return nil
	}

	status, err := client.RefreshStatus(ctx)
	if err != nil {
		return fmt.Errorf("refresh ble status: %w", err)
	}
	connected := status.State == BLEStateConnected

	var info wire.Message
	if connected {
		info = wire.Message{
			"src_type":       "BLE",
			"TYP":            "blueZ",
			"command":        "connect BLE result",
			"result":         "ok",
			"msg":            "BLE connection already running",
			"device_address": status.DeviceAddress,
			"device_name":    status.DeviceName,
			"mode":           status.Mode,
			"timestamp":      time.Now().UnixMilli(),
		}
	} else {
		info = wire.Message{
			"src_type":  "BLE",
			"TYP":       "blueZ",
			"command":   "disconnect",
			"result":    "ok",
			"msg":       "BLE not connected",
			"timestamp": time.Now().UnixMilli(),
		}
	}

	if clientID != "" {
		r.sendToClient(ctx, clientID, info)
	} else {
		r.Publish(ctx, "ble", TopicBLEStatus, info)
	}

	if connected && queryRegisters {
		return r.QueryRegisters(ctx, false)
	}
	return nil
}

// commandConnectBLE establishes the BLE device link. If the link is
// already up, only the registers are refreshed.
func (r *Router) commandConnectBLE(ctx context.Context, clientID string) error {
	client := r.bleClient()
	if client == nil {
		r.log.Warn("BLE client not available for connect")
		return nil
	}

	status, err := client.RefreshStatus(ctx)
	if err != nil {
		return fmt.Errorf("refresh ble status: %w", err)
	}
	alreadyConnected := status.State == BLEStateConnected

	if !alreadyConnected {
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("ble connect: %w", err)
		}
		if status, err = client.RefreshStatus(ctx); err != nil {
			return fmt.Errorf("refresh ble status: %w", err)
		}
	}

	if status.State != BLEStateConnected {
		return nil
	}

	// The hello handshake runs during connect; wait for it only when
	// the link was just brought up.
	if err := r.QueryRegisters(ctx, !alreadyConnected); err != nil {
		return err
	}
	return r.commandBLEInfo(ctx, clientID, false)
}

func (r *Router) commandDisconnectBLE(ctx context.Context) error {
	client := r.bleClient()
	if client == nil {
		r.log.Warn("BLE client not available for disconnect")
		return nil
	}
	return client.Disconnect(ctx)
}

// commandDevice forwards a device command (--pos, --reboot, --setCALL)
// to the BLE client. Setter commands use the dedicated set path.
func (r *Router) commandDevice(ctx context.Context, command string) error {
	client := r.bleClient()
	if client == nil {
		r.log.Warn("BLE client not available for device command", "command", command)
		return nil
	}

	// --setboostedgain is a plain A0 command despite the --set prefix.
	if !strings.HasPrefix(command, "--setboostedgain") &&
		(strings.HasPrefix(command, "--set") || strings.HasPrefix(command, "--sym")) {
		return client.SetCommand(ctx, command)
	}
	return client.SendCommand(ctx, command)
}

// commandResolveIP resolves a hostname and publishes the result as a
// BLE status event, so the frontend can display the adapter address.
func (r *Router) commandResolveIP(ctx context.Context, host string) error {
	if host == "" {
		r.PublishBLEStatus(ctx, "resolve-ip", "error", "no hostname given")
		return fmt.Errorf("resolve-ip: no hostname given")
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		r.log.Error("failed to resolve host", "host", host, "error", err)
		r.PublishBLEStatus(ctx, "resolve-ip", "error", fmt.Sprintf("resolve %s: %v", host, err))
		return fmt.Errorf("resolve %s: %w", host, err)
	}

	r.log.Info("resolved host", "host", host, "addr", addrs[0])
	r.PublishBLEStatus(ctx, "resolve-ip", "ok", addrs[0])
	return nil
}

// -------------------------------------------------------------------------
// Register Queries
// -------------------------------------------------------------------------

// QueryRegisters fetches the device registers the firmware does not send
// on its own after connect (--io, --tel). When waitForHello is set, the
// query waits for the hello handshake to settle and syncs the device
// clock first.
func (r *Router) QueryRegisters(ctx context.Context, waitForHello bool) error {
	client := r.bleClient()
	if client == nil {
		return nil
	}

	if waitForHello {
		if err := sleepCtx(ctx, bleHelloWait); err != nil {
			return err
		}

		// Devices without GPS or an RTC battery drift badly; sync the
		// clock right after every fresh connection.
		if err := client.SetCommand(ctx, "--settime"); err != nil {
			r.log.Warn("device time sync failed", "error", err)
		} else {
			r.log.Info("device time synchronized after connection")
		}
	}

	for _, cmd := range []string{"--io", "--tel"} {
		if err := r.sendBLECommandWithRetry(ctx, client, cmd); err != nil {
			r.log.Warn("register query failed", "command", cmd, "error", err)
		}
		if err := sleepCtx(ctx, bleQueryDelayStandard); err != nil {
			return err
		}
	}

	r.log.Debug("register queries complete")
	return nil
}

// sendBLECommandWithRetry sends a device command with exponential
// backoff. The BLE link is lossy; a couple of retries recover most
// transient failures.
func (r *Router) sendBLECommandWithRetry(ctx context.Context, client BLEClient, cmd string) error {
	var lastErr error
	for attempt := 0; attempt < bleCommandRetries; attempt++ {
		if err := client.SendCommand(ctx, cmd); err == nil {
			if attempt > 0 {
				r.log.Info("command succeeded after retry",
					"command", cmd, "attempt", attempt+1)
			}
			return nil
		} else {
			lastErr = err
		}

		if attempt < bleCommandRetries-1 {
			delay := bleRetryBaseDelay * (1 << attempt)
			r.log.Warn("command failed, retrying",
				"command", cmd, "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("command %s failed after %d attempts: %w", cmd, bleCommandRetries, lastErr)
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
