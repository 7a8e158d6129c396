package ble_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dk5en/mcapp/internal/ble"
	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/wire"
)

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

type busEvent struct {
	topic string
	data  wire.Message
}

type fakeBus struct {
	mu     sync.Mutex
	events []busEvent
}

func (b *fakeBus) Publish(ctx context.Context, source, topic string, data wire.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{topic: topic, data: data})
}

func (b *fakeBus) Callsign() string { return "DK5EN-99" }

func (b *fakeBus) snapshot() []busEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]busEvent, len(b.events))
	copy(out, b.events)
	return out
}

func (b *fakeBus) waitFor(t *testing.T, match func(busEvent) bool) busEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range b.snapshot() {
			if match(e) {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event not observed; got %v", b.snapshot())
	return busEvent{}
}

func newTestClient(t *testing.T, srv *httptest.Server, bus *fakeBus) *ble.Client {
	t.Helper()
	c := ble.New(ble.Options{
		URL:             srv.URL,
		APIKey:          "secret",
		DeviceAddress:   "AA:BB:CC:DD:EE:FF",
		Bus:             bus,
		Client:          srv.Client(),
		ConnectCooldown: 50 * time.Millisecond,
		BackoffMin:      time.Minute,
	})
	t.Cleanup(func() {
		c.Close()
		srv.Close()
		srv.Client().CloseIdleConnections()
	})
	return c
}

// -------------------------------------------------------------------------
// REST Commands
// -------------------------------------------------------------------------

func TestConnectLifecycle(t *testing.T) {
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-API-Key"))
		switch r.URL.Path {
		case "/api/ble/connect":
			fmt.Fprint(w, `{"success": true, "device_address": "AA:BB:CC:DD:EE:FF"}`)
		case "/api/ble/disconnect":
			fmt.Fprint(w, `{"success": true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	bus := &fakeBus{}
	c := newTestClient(t, srv, bus)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.Status(); got.State != router.BLEStateConnected {
		t.Errorf("state = %s, want connected", got.State)
	}
	if gotKey.Load() != "secret" {
		t.Errorf("API key header = %v, want secret", gotKey.Load())
	}

	bus.waitFor(t, func(e busEvent) bool {
		return e.topic == router.TopicBLEStatus &&
			e.data["command"] == "connect BLE result" && e.data["result"] == "ok"
	})

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := c.Status(); got.State != router.BLEStateDisconnected {
		t.Errorf("state after disconnect = %s, want disconnected", got.State)
	}
}

func TestConnectCooldownAfterFailure(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"success": false, "message": "device not found"}`)
	}))
	bus := &fakeBus{}
	c := newTestClient(t, srv, bus)
	ctx := context.Background()

	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected connect failure")
	}
	// Within the cooldown the attempt is swallowed, not forwarded.
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("cooldown Connect: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("bridge hit %d times, want 1 (cooldown)", hits.Load())
	}

	time.Sleep(60 * time.Millisecond)
	c.Connect(ctx)
	if hits.Load() != 2 {
		t.Errorf("bridge hit %d times after cooldown, want 2", hits.Load())
	}
}

func TestSendRequiresConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("bridge should not be called while disconnected")
	}))
	c := newTestClient(t, srv, &fakeBus{})

	if err := c.SendMessage(context.Background(), "hi", "20"); err == nil {
		t.Error("expected error while disconnected")
	}
}

func TestSendAndSetCommands(t *testing.T) {
	type call struct {
		path string
		body map[string]any
	}
	var mu sync.Mutex
	var calls []call

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, call{path: r.URL.Path, body: body})
		mu.Unlock()
		fmt.Fprint(w, `{"success": true}`)
	}))
	bus := &fakeBus{}
	c := newTestClient(t, srv, bus)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SendMessage(ctx, "hello mesh", "20"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := c.SendCommand(ctx, "--pos"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := c.SetCommand(ctx, "--settime"); err != nil {
		t.Fatalf("SetCommand settime: %v", err)
	}
	if err := c.SetCommand(ctx, "--setCALL DK5EN-99"); err != nil {
		t.Fatalf("SetCommand setCALL: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// connect + 4 commands
	if len(calls) != 5 {
		t.Fatalf("bridge calls = %d, want 5", len(calls))
	}
	if calls[1].path != "/api/ble/send" || calls[1].body["message"] != "hello mesh" ||
		calls[1].body["group"] != "20" {
		t.Errorf("send call = %+v, want message/group body", calls[1])
	}
	if calls[2].body["command"] != "--pos" {
		t.Errorf("command call = %+v, want --pos", calls[2])
	}
	if calls[3].path != "/api/ble/settime" {
		t.Errorf("settime path = %s, want /api/ble/settime", calls[3].path)
	}
	if calls[4].path != "/api/ble/send" || calls[4].body["command"] != "--setCALL DK5EN-99" {
		t.Errorf("setCALL call = %+v, want plain command", calls[4])
	}
}

func TestBusyRetry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"detail": "busy"}`)
			return
		}
		fmt.Fprint(w, `{"connected": true, "device_address": "AA:BB:CC:DD:EE:FF"}`)
	}))
	c := newTestClient(t, srv, &fakeBus{})

	status, err := c.RefreshStatus(context.Background())
	if err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if status.State != router.BLEStateConnected {
		t.Errorf("state = %s, want connected after 409 retry", status.State)
	}
	if hits.Load() != 2 {
		t.Errorf("bridge hit %d times, want 2", hits.Load())
	}
}

// -------------------------------------------------------------------------
// Notification Stream
// -------------------------------------------------------------------------

func sseEvent(eventType string, data any) string {
	raw, _ := json.Marshal(data)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, raw)
}

func TestNotificationStream(t *testing.T) {
	textFrame := wire.EncodeText(wire.TextFrame{
		MsgID:  0x01020304,
		Src:    "OE5XX-12",
		Dst:    "20",
		Msg:    "hello from the mesh",
		MaxHop: 5,
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ble/notifications" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		// MHeard register entry: keeps its own src_type.
		fmt.Fprint(w, sseEvent("notification", map[string]any{
			"format": "json",
			"parsed": map[string]any{
				"TYP": "MH", "CALL": "OE5XX-12", "RSSI": -95, "SNR": 6.5,
				"DATE": "2026-08-24", "TIME": "12:00:00",
			},
			"timestamp": 1756036800000,
		}))
		// Binary mesh frame: decoded and tagged ble_remote.
		fmt.Fprint(w, sseEvent("notification", map[string]any{
			"format":     "binary",
			"raw_base64": base64.StdEncoding.EncodeToString(textFrame),
			"timestamp":  1756036801000,
		}))
		// Status push updates the cached link state.
		fmt.Fprint(w, sseEvent("status", map[string]any{
			"state": "connected", "device_address": "AA:BB:CC:DD:EE:FF",
		}))
		flusher.Flush()
		<-r.Context().Done()
	}))
	bus := &fakeBus{}
	c := newTestClient(t, srv, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	mh := bus.waitFor(t, func(e busEvent) bool {
		return e.topic == router.TopicBLENotification && e.data["transformer"] == "mh"
	})
	if mh.data["src_type"] != "ble" {
		t.Errorf("MH src_type = %v, want ble (kept)", mh.data["src_type"])
	}
	if mh.data["src"] != "OE5XX-12" {
		t.Errorf("MH src = %v, want OE5XX-12", mh.data["src"])
	}

	msg := bus.waitFor(t, func(e busEvent) bool {
		return e.topic == router.TopicBLENotification && e.data["type"] == "msg"
	})
	if msg.data["src_type"] != "ble_remote" {
		t.Errorf("msg src_type = %v, want ble_remote", msg.data["src_type"])
	}
	if msg.data["msg"] != "hello from the mesh" {
		t.Errorf("msg body = %v, want decoded text", msg.data["msg"])
	}
	if msg.data["timestamp"] != int64(1756036801000) {
		t.Errorf("msg timestamp = %v, want bridge timestamp", msg.data["timestamp"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().State == router.BLEStateConnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.Status(); got.State != router.BLEStateConnected {
		t.Errorf("state = %s, want connected from status push", got.State)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
