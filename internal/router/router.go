// Package router implements the central pub/sub message bus of the
// gateway. Every transport (UDP, BLE, SSE) publishes canonical message
// maps onto named topics and subscribes to the topics it forwards.
// The router also owns the outbound suppression decision: commands the
// gateway can answer itself are turned into synthetic local notices
// instead of being transmitted to the mesh.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mcmetrics "github.com/dk5en/mcapp/internal/metrics"
	"github.com/dk5en/mcapp/internal/wire"
)

// -------------------------------------------------------------------------
// Topics and Protocol Names
// -------------------------------------------------------------------------

// Message topics routed through the bus.
const (
	TopicMeshMessage     = "mesh_message"      // inbound from the mesh (UDP)
	TopicBLENotification = "ble_notification"  // inbound from the BLE device
	TopicBLEStatus       = "ble_status"        // BLE link state changes
	TopicBLEMessage      = "ble_message"       // outbound via the BLE device
	TopicUDPMessage      = "udp_message"       // outbound via UDP
	TopicWebMessage      = "websocket_message" // broadcast to all web clients
	TopicWebDirect       = "websocket_direct"  // reply to a single web client
)

// Registered protocol handler names.
const (
	ProtocolUDP      = "udp"
	ProtocolBLE      = "ble_client"
	ProtocolCommands = "commands"
	ProtocolSSE      = "sse"
)

// bleRegisterTypes are the register TYPs cached for SSE replay on
// reconnect. The device auto-sends most of them on BLE connect.
var bleRegisterTypes = map[string]bool{
	"I": true, "SN": true, "G": true, "SA": true, "SE": true, "S1": true,
	"SW": true, "S2": true, "W": true, "AN": true, "IO": true, "TM": true,
}

// -------------------------------------------------------------------------
// Interfaces
// -------------------------------------------------------------------------

// Envelope wraps a published message with routing metadata.
type Envelope struct {
	Source    string
	Topic     string
	Data      wire.Message
	Timestamp int64
}

// Handler consumes a routed message. Errors are logged and counted but
// never stop fan-out to the remaining subscribers.
type Handler func(ctx context.Context, env Envelope) error

// Store persists routed messages.
type Store interface {
	StoreMessage(ctx context.Context, data wire.Message, rawJSON string) error
}

// MeshSender transmits an outbound message to the MeshCom node.
// Implemented by the UDP transport.
type MeshSender interface {
	SendFrame(ctx context.Context, data wire.Message) error
}

// BLE link states as reported by the BLE adapter service.
const (
	BLEStateConnected    = "connected"
	BLEStateConnecting   = "connecting"
	BLEStateDisconnected = "disconnected"
)

// BLEStatus is a snapshot of the BLE device link.
type BLEStatus struct {
	State         string
	DeviceName    string
	DeviceAddress string
	Mode          string
}

// BLEClient is the device-facing side of the BLE adapter.
type BLEClient interface {
	SendMessage(ctx context.Context, msg, dst string) error
	SendCommand(ctx context.Context, cmd string) error
	SetCommand(ctx context.Context, cmd string) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	RefreshStatus(ctx context.Context) (BLEStatus, error)
}

// -------------------------------------------------------------------------
// Router
// -------------------------------------------------------------------------

type subscriber struct {
	name string
	fn   Handler
}

// GPSFix is the last position reported by the BLE device (TYP G).
type GPSFix struct {
	Lat float64
	Lon float64
}

// Router is the central message bus. Subscribers are invoked serially
// in subscription order; a failing or panicking subscriber is isolated
// and logged, never aborting delivery to the rest.
type Router struct {
	callsign  string
	validator *Validator
	store     Store
	cmdStore  CommandStore
	metrics   *mcmetrics.Collector
	log       *slog.Logger

	// blockedFn reports whether a callsign is currently kick-banned.
	// Wired to the command engine's blocklist after startup.
	blockedFn func(callsign string) bool

	mu        sync.RWMutex
	subs      map[string][]subscriber
	protocols map[string]any

	cacheMu   sync.RWMutex
	gps       *GPSFix
	registers map[string]wire.Message
	onGPS     func(lat, lon float64)
}

// New creates a Router for the given gateway callsign. If store also
// implements CommandStore, web client commands (smart_initial, paging,
// mheard dump) are served from it.
func New(callsign string, store Store, metrics *mcmetrics.Collector, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}

	r := &Router{
		callsign:  strings.ToUpper(callsign),
		validator: NewValidator(callsign),
		store:     store,
		metrics:   metrics,
		log:       log.With("component", "router"),
		subs:      make(map[string][]subscriber),
		protocols: make(map[string]any),
		registers: make(map[string]wire.Message),
	}
	if cs, ok := store.(CommandStore); ok {
		r.cmdStore = cs
	}

	if store != nil {
		r.Subscribe(TopicMeshMessage, "storage", r.handleStore)
		r.Subscribe(TopicBLENotification, "storage", r.handleStore)
	}
	r.Subscribe(TopicBLEMessage, "ble_outbound", r.handleBLEMessage)
	r.Subscribe(TopicUDPMessage, "udp_outbound", r.handleUDPMessage)
	r.Subscribe(TopicBLENotification, "register_cache", r.cacheRegister)
	r.Subscribe(TopicBLENotification, "gps_cache", r.cacheGPS)
	r.Subscribe(TopicBLEStatus, "register_cache_clear", r.clearRegistersOnDisconnect)

	return r
}

// Callsign returns the gateway's own callsign (uppercase).
func (r *Router) Callsign() string {
	return r.callsign
}

// Validator returns the router's message validator.
func (r *Router) Validator() *Validator {
	return r.validator
}

// SetBlockedFunc wires the kick-ban lookup used to drop messages from
// blocked callsigns before storage.
func (r *Router) SetBlockedFunc(fn func(callsign string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedFn = fn
}

// -------------------------------------------------------------------------
// Pub/Sub
// -------------------------------------------------------------------------

// Subscribe registers a handler for a topic. The name identifies the
// subscriber in logs.
func (r *Router) Subscribe(topic, name string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[topic] = append(r.subs[topic], subscriber{name: name, fn: fn})
}

// Publish delivers data to all subscribers of topic, serially and in
// subscription order. Subscriber errors and panics are isolated.
func (r *Router) Publish(ctx context.Context, source, topic string, data wire.Message) {
	env := Envelope{
		Source:    source,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	if r.metrics != nil {
		r.metrics.IncPublished(topic)
	}

	r.mu.RLock()
	subs := make([]subscriber, len(r.subs[topic]))
	copy(subs, r.subs[topic])
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := r.deliver(ctx, sub, env); err != nil {
			if r.metrics != nil {
				r.metrics.IncHandlerErrors(topic)
			}
			r.log.Error("subscriber failed",
				"topic", topic, "subscriber", sub.name, "error", err)
		}
	}
}

// deliver invokes one subscriber, converting panics into errors.
func (r *Router) deliver(ctx context.Context, sub subscriber, env Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return sub.fn(ctx, env)
}

// RegisterProtocol registers a protocol handler under a well-known name.
func (r *Router) RegisterProtocol(name string, handler any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[name] = handler
	r.log.Info("registered protocol", "name", name)
}

// Protocol returns a registered protocol handler, or nil.
func (r *Router) Protocol(name string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.protocols[name]
}

// -------------------------------------------------------------------------
// Publish Helpers
// -------------------------------------------------------------------------

// PublishBLEStatus publishes a standardized BLE status event.
func (r *Router) PublishBLEStatus(ctx context.Context, command, result, msg string) {
	r.Publish(ctx, "ble", TopicBLEStatus, wire.Message{
		"src_type":  "BLE",
		"TYP":       "blueZ",
		"command":   command,
		"result":    result,
		"msg":       msg,
		"timestamp": time.Now().UnixMilli(),
	})
}

// PublishSystemMessage publishes an informational message to web clients.
func (r *Router) PublishSystemMessage(ctx context.Context, msg, msgType string) {
	r.Publish(ctx, "system", TopicWebMessage, wire.Message{
		"src_type":  "system",
		"type":      msgType,
		"msg":       msg,
		"timestamp": time.Now().UnixMilli(),
	})
}

// PublishError publishes an error message to web clients.
func (r *Router) PublishError(ctx context.Context, msg, source string) {
	r.Publish(ctx, source, TopicWebMessage, wire.Message{
		"src_type":  "system",
		"type":      "error",
		"msg":       msg,
		"timestamp": time.Now().UnixMilli(),
	})
}

// -------------------------------------------------------------------------
// Storage Fan-In
// -------------------------------------------------------------------------

// handleStore persists routed mesh and BLE messages, dropping traffic
// from kick-banned callsigns.
func (r *Router) handleStore(ctx context.Context, env Envelope) error {
	data := env.Data

	src := strings.ToUpper(asString(data["src"]))
	if i := strings.IndexByte(src, ','); i >= 0 {
		src = src[:i]
	}

	r.mu.RLock()
	blocked := r.blockedFn
	r.mu.RUnlock()
	if blocked != nil && blocked(src) {
		r.log.Debug("dropping message from blocked callsign", "src", src)
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return r.store.StoreMessage(ctx, data, string(raw))
}

// -------------------------------------------------------------------------
// Outbound Handlers
// -------------------------------------------------------------------------

// handleUDPMessage processes outbound messages destined for the mesh
// via UDP: normalization, suppression, self-message detection, then
// transmission through the UDP transport.
func (r *Router) handleUDPMessage(ctx context.Context, env Envelope) error {
	data := r.validator.Normalize(env.Data)
	if asString(data["src"]) == "" && r.callsign != "" {
		data["src"] = r.callsign
	}

	if r.suppressOutbound(ctx, data, "udp") {
		return nil
	}
	if r.routeSelfMessage(ctx, data) {
		return nil
	}

	sender, _ := r.Protocol(ProtocolUDP).(MeshSender)
	if sender == nil {
		r.PublishError(ctx, "UDP transport not available", "system")
		return fmt.Errorf("udp transport not registered")
	}
	if err := sender.SendFrame(ctx, data); err != nil {
		r.PublishError(ctx, "Failed to send UDP message: "+err.Error(), "system")
		return fmt.Errorf("send udp message: %w", err)
	}
	return nil
}

// handleBLEMessage processes outbound messages destined for the mesh
// via the BLE device.
func (r *Router) handleBLEMessage(ctx context.Context, env Envelope) error {
	data := r.validator.Normalize(env.Data)
	if asString(data["src"]) == "" && r.callsign != "" {
		data["src"] = r.callsign
	}

	if r.suppressOutbound(ctx, data, "ble") {
		return nil
	}
	if r.routeSelfMessage(ctx, data) {
		return nil
	}

	client, _ := r.Protocol(ProtocolBLE).(BLEClient)
	if client == nil {
		r.PublishError(ctx, "BLE client not available", "system")
		return fmt.Errorf("ble client not registered")
	}
	if err := client.SendMessage(ctx, asString(data["msg"]), asString(data["dst"])); err != nil {
		r.PublishError(ctx, "Failed to send BLE message: "+err.Error(), "system")
		return fmt.Errorf("send ble message: %w", err)
	}
	return nil
}

// suppressOutbound checks the suppression oracle and, when it fires,
// reroutes the command to the command engine as a synthetic local notice.
func (r *Router) suppressOutbound(ctx context.Context, data wire.Message, srcType string) bool {
	if !r.validator.ShouldSuppress(data) {
		return false
	}

	r.log.Debug("suppressing outbound command",
		"src", data["src"], "dst", data["dst"],
		"reason", r.validator.SuppressionReason(data))
	if r.metrics != nil {
		r.metrics.IncSuppressed()
	}

	r.routeToCommandEngine(ctx, r.syntheticMessage(data, srcType))
	return true
}

// routeSelfMessage detects messages addressed to our own callsign and
// hands them to the command engine instead of the transport.
func (r *Router) routeSelfMessage(ctx context.Context, data wire.Message) bool {
	if r.callsign == "" || asString(data["dst"]) != r.callsign {
		return false
	}

	r.log.Debug("self-addressed message, routing to command engine",
		"dst", data["dst"])
	r.routeToCommandEngine(ctx, r.syntheticMessage(data, "udp"))
	return true
}

// syntheticMessage builds a local notice that looks like it arrived from
// the mesh, so the command engine and the UI treat it uniformly.
func (r *Router) syntheticMessage(data wire.Message, srcType string) wire.Message {
	now := time.Now().Unix()
	return wire.Message{
		"src":       data["src"],
		"dst":       data["dst"],
		"msg":       data["msg"],
		"msg_id":    fmt.Sprintf("%08X", uint32(now)),
		"type":      "msg",
		"src_type":  srcType,
		"timestamp": now * 1000,
	}
}

// routeToCommandEngine publishes a synthetic notice on ble_notification,
// where both the command engine and the storage handler pick it up.
func (r *Router) routeToCommandEngine(ctx context.Context, synthetic wire.Message) {
	r.Publish(ctx, "self", TopicBLENotification, synthetic)
}

// -------------------------------------------------------------------------
// BLE Register and GPS Caches
// -------------------------------------------------------------------------

// cacheRegister retains BLE register notifications so a reconnecting SSE
// client can be replayed the current device configuration.
func (r *Router) cacheRegister(ctx context.Context, env Envelope) error {
	typ := asString(env.Data["TYP"])
	if !bleRegisterTypes[typ] {
		return nil
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.registers[typ] = env.Data
	return nil
}

// cacheGPS retains the device position (TYP G) and notifies the GPS hook.
func (r *Router) cacheGPS(ctx context.Context, env Envelope) error {
	if asString(env.Data["TYP"]) != "G" {
		return nil
	}

	lat := asFloat(env.Data["LAT"])
	lon := asFloat(env.Data["LON"])
	if lat == 0 || lon == 0 {
		return nil
	}

	r.cacheMu.Lock()
	r.gps = &GPSFix{Lat: lat, Lon: lon}
	hook := r.onGPS
	r.cacheMu.Unlock()

	if hook != nil {
		hook(lat, lon)
	}
	return nil
}

// clearRegistersOnDisconnect drops the register cache when the BLE link
// goes down, so stale configuration is never replayed.
func (r *Router) clearRegistersOnDisconnect(ctx context.Context, env Envelope) error {
	cmd := asString(env.Data["command"])
	result := asString(env.Data["result"])
	if !strings.Contains(cmd, "disconnect") || (result != "ok" && result != "lost") {
		return nil
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if len(r.registers) > 0 {
		r.registers = make(map[string]wire.Message)
		r.log.Info("BLE register cache cleared on disconnect")
	}
	return nil
}

// SetGPSHandler installs a hook invoked whenever a fresh GPS fix arrives
// from the BLE device. Used to keep the weather service location current.
func (r *Router) SetGPSHandler(fn func(lat, lon float64)) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.onGPS = fn
}

// CachedGPS returns the last GPS fix from the BLE device.
func (r *Router) CachedGPS() (lat, lon float64, ok bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	if r.gps == nil {
		return 0, 0, false
	}
	return r.gps.Lat, r.gps.Lon, true
}

// CachedRegisters returns the cached BLE register notifications, sorted
// by TYP for stable replay order.
func (r *Router) CachedRegisters() []wire.Message {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	typs := make([]string, 0, len(r.registers))
	for typ := range r.registers {
		typs = append(typs, typ)
	}
	sort.Strings(typs)

	out := make([]wire.Message, 0, len(typs))
	for _, typ := range typs {
		out = append(out, r.registers[typ])
	}
	return out
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
