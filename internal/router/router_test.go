package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/wire"
)

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

type fakeStore struct {
	mu     sync.Mutex
	stored []wire.Message
	raw    []string
}

func (s *fakeStore) StoreMessage(ctx context.Context, data wire.Message, rawJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, data)
	s.raw = append(s.raw, rawJSON)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

func (s *fakeStore) last() wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stored) == 0 {
		return nil
	}
	return s.stored[len(s.stored)-1]
}

type fakeMeshSender struct {
	mu   sync.Mutex
	sent []wire.Message
	err  error
}

func (f *fakeMeshSender) SendFrame(ctx context.Context, data wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeMeshSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeBLEClient struct {
	mu       sync.Mutex
	messages []string
	commands []string
	sets     []string
	status   router.BLEStatus
}

func (f *fakeBLEClient) SendMessage(ctx context.Context, msg, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg+"->"+dst)
	return nil
}

func (f *fakeBLEClient) SendCommand(ctx context.Context, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeBLEClient) SetCommand(ctx context.Context, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, cmd)
	return nil
}

func (f *fakeBLEClient) Connect(ctx context.Context) error    { return nil }
func (f *fakeBLEClient) Disconnect(ctx context.Context) error { return nil }

func (f *fakeBLEClient) RefreshStatus(ctx context.Context) (router.BLEStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

// fakeCommandStore implements router.CommandStore for RouteCommand tests.
type fakeCommandStore struct {
	fakeStore
}

func (s *fakeCommandStore) SmartInitialWithSummary(ctx context.Context) (*router.SmartInitialData, wire.Message, error) {
	return &router.SmartInitialData{
		Messages:  []json.RawMessage{json.RawMessage(`{"msg":"hi"}`)},
		Positions: []json.RawMessage{},
		Acks:      []json.RawMessage{},
	}, wire.Message{"232": float64(1)}, nil
}

func (s *fakeCommandStore) Summary(ctx context.Context) (wire.Message, error) {
	return wire.Message{"232": float64(1)}, nil
}

func (s *fakeCommandStore) ReadCounts(ctx context.Context) (wire.Message, error) {
	return wire.Message{"232": float64(3)}, nil
}

func (s *fakeCommandStore) HiddenDestinations(ctx context.Context) ([]string, error) {
	return []string{"9"}, nil
}

func (s *fakeCommandStore) BlockedTexts(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (s *fakeCommandStore) MessagesPage(ctx context.Context, dst string, before int64, limit int, src string) ([]json.RawMessage, bool, error) {
	return []json.RawMessage{json.RawMessage(`{"msg":"older"}`)}, true, nil
}

func (s *fakeCommandStore) MHeardStats(ctx context.Context, progress func(stage, detail, callsign string)) (wire.Message, error) {
	progress("scan", "1/1", "DL8DD-7")
	return wire.Message{"DL8DD-7": wire.Message{}}, nil
}

// collector records every message delivered to a topic.
type collector struct {
	mu   sync.Mutex
	data []wire.Message
}

func (c *collector) handler(ctx context.Context, env router.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, env.Data)
	return nil
}

func (c *collector) all() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Message(nil), c.data...)
}

// -------------------------------------------------------------------------
// Pub/Sub
// -------------------------------------------------------------------------

func TestPublishOrderAndIsolation(t *testing.T) {
	t.Parallel()

	r := router.New(ownCallsign, nil, nil, nil)

	var order []string
	r.Subscribe("custom", "first", func(ctx context.Context, env router.Envelope) error {
		order = append(order, "first")
		return nil
	})
	r.Subscribe("custom", "failing", func(ctx context.Context, env router.Envelope) error {
		order = append(order, "failing")
		return errors.New("boom")
	})
	r.Subscribe("custom", "panicking", func(ctx context.Context, env router.Envelope) error {
		order = append(order, "panicking")
		panic("boom")
	})
	r.Subscribe("custom", "last", func(ctx context.Context, env router.Envelope) error {
		order = append(order, "last")
		return nil
	})

	r.Publish(context.Background(), "test", "custom", wire.Message{"msg": "x"})

	want := []string{"first", "failing", "panicking", "last"}
	if len(order) != len(want) {
		t.Fatalf("delivered to %d subscribers, want %d: %v", len(order), len(want), order)
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("delivery[%d] = %q, want %q", i, order[i], name)
		}
	}
}

func TestPublishEnvelope(t *testing.T) {
	t.Parallel()

	r := router.New(ownCallsign, nil, nil, nil)

	var got router.Envelope
	r.Subscribe("custom", "capture", func(ctx context.Context, env router.Envelope) error {
		got = env
		return nil
	})

	r.Publish(context.Background(), "udp", "custom", wire.Message{"msg": "x"})

	if got.Source != "udp" {
		t.Errorf("Source = %q, want udp", got.Source)
	}
	if got.Topic != "custom" {
		t.Errorf("Topic = %q, want custom", got.Topic)
	}
	if got.Timestamp == 0 {
		t.Error("Timestamp not set")
	}
}

// -------------------------------------------------------------------------
// Storage Fan-In
// -------------------------------------------------------------------------

func TestStoreMeshMessages(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	r := router.New(ownCallsign, store, nil, nil)

	r.Publish(context.Background(), "udp", router.TopicMeshMessage,
		wire.Message{"src": "DL8DD-7", "dst": "232", "msg": "hello", "type": "msg"})

	if store.count() != 1 {
		t.Fatalf("stored %d messages, want 1", store.count())
	}

	store.mu.Lock()
	raw := store.raw[0]
	store.mu.Unlock()

	var decoded wire.Message
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("stored raw JSON does not parse: %v", err)
	}
	if decoded["src"] != "DL8DD-7" {
		t.Errorf("raw src = %v, want DL8DD-7", decoded["src"])
	}
}

func TestStoreSkipsBlockedCallsigns(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	r := router.New(ownCallsign, store, nil, nil)
	r.SetBlockedFunc(func(callsign string) bool { return callsign == "OE0XXX-99" })

	r.Publish(context.Background(), "udp", router.TopicMeshMessage,
		wire.Message{"src": "oe0xxx-99,DB0FHR-12", "dst": "232", "msg": "spam"})
	r.Publish(context.Background(), "udp", router.TopicMeshMessage,
		wire.Message{"src": "DL8DD-7", "dst": "232", "msg": "fine"})

	if store.count() != 1 {
		t.Fatalf("stored %d messages, want 1 (blocked src dropped)", store.count())
	}
	if store.last()["src"] != "DL8DD-7" {
		t.Errorf("stored src = %v, want DL8DD-7", store.last()["src"])
	}
}

// -------------------------------------------------------------------------
// Outbound Routing
// -------------------------------------------------------------------------

func TestUDPOutboundNormalizesAndSends(t *testing.T) {
	t.Parallel()

	r := router.New(ownCallsign, nil, nil, nil)
	sender := &fakeMeshSender{}
	r.RegisterProtocol(router.ProtocolUDP, sender)

	r.Publish(context.Background(), "sse", router.TopicUDPMessage,
		wire.Message{"dst": "232", "msg": "Hello mesh"})

	if sender.count() != 1 {
		t.Fatalf("sent %d frames, want 1", sender.count())
	}

	sender.mu.Lock()
	sent := sender.sent[0]
	sender.mu.Unlock()

	if sent["src"] != ownCallsign {
		t.Errorf("src = %v, want %s (filled from config)", sent["src"], ownCallsign)
	}
	if sent["dst"] != "232" {
		t.Errorf("dst = %v, want 232", sent["dst"])
	}
}

func TestSuppressedCommandBecomesLocalNotice(t *testing.T) {
	t.Parallel()

	r := router.New(ownCallsign, nil, nil, nil)
	sender := &fakeMeshSender{}
	r.RegisterProtocol(router.ProtocolUDP, sender)

	notices := &collector{}
	r.Subscribe(router.TopicBLENotification, "test", notices.handler)

	// Group command without target: answered locally, never transmitted.
	r.Publish(context.Background(), "sse", router.TopicUDPMessage,
		wire.Message{"src": ownCallsign, "dst": "20", "msg": "!wx"})

	if sender.count() != 0 {
		t.Fatalf("sent %d frames, want 0 (suppressed)", sender.count())
	}

	got := notices.all()
	if len(got) != 1 {
		t.Fatalf("received %d local notices, want 1", len(got))
	}
	if got[0]["msg"] != "!WX" {
		t.Errorf("notice msg = %v, want !WX", got[0]["msg"])
	}
	if got[0]["src_type"] != "udp" {
		t.Errorf("notice src_type = %v, want udp", got[0]["src_type"])
	}
	msgID, _ := got[0]["msg_id"].(string)
	if !regexp.MustCompile(`^[0-9A-F]{8}$`).MatchString(msgID) {
		t.Errorf("notice msg_id = %q, want 8 hex digits", msgID)
	}
}

func TestSelfAddressedMessageRoutedLocally(t *testing.T) {
	t.Parallel()

	r := router.New(ownCallsign, nil, nil, nil)
	sender := &fakeMeshSender{}
	r.RegisterProtocol(router.ProtocolUDP, sender)

	notices := &collector{}
	r.Subscribe(router.TopicBLENotification, "test", notices.handler)

	r.Publish(context.Background(), "sse", router.TopicUDPMessage,
		wire.Message{"src": ownCallsign, "dst": ownCallsign, "msg": "note to self"})

	if sender.count() != 0 {
		t.Fatalf("sent %d frames, want 0 (self-addressed)", sender.count())
	}
	if len(notices.all()) != 1 {
		t.Fatalf("received %d local notices, want 1", len(notices.all()))
	}
}

func TestBLEOutbound(t *testing.T) {
	t.Parallel()

	r := router.New(ownCallsign, nil, nil, nil)
	client := &fakeBLEClient{}
	r.RegisterProtocol(router.ProtocolBLE, client)

	r.Publish(context.Background(), "sse", router.TopicBLEMessage,
		wire.Message{"src": ownCallsign, "dst": "OE5HWN-12", "msg": "hi there"})

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.messages) != 1 {
		t.Fatalf("sent %d BLE messages, want 1", len(client.messages))
	}
	if client.messages[0] != "hi there->OE5HWN-12" {
		t.Errorf("BLE message = %q, want %q", client.messages[0], "hi there->OE5HWN-12")
	}
}

// -------------------------------------------------------------------------
// Caches
// -------------------------------------------------------------------------

func TestGPSAndRegisterCache(t *testing.T) {
	t.Parallel()

	r := router.New(ownCallsign, nil, nil, nil)

	var hookLat, hookLon float64
	r.SetGPSHandler(func(lat, lon float64) { hookLat, hookLon = lat, lon })

	if _, _, ok := r.CachedGPS(); ok {
		t.Fatal("CachedGPS() ok before any fix")
	}

	r.Publish(context.Background(), "ble", router.TopicBLENotification,
		wire.Message{"TYP": "G", "LAT": 48.1871, "LON": 11.3721})
	r.Publish(context.Background(), "ble", router.TopicBLENotification,
		wire.Message{"TYP": "I", "FWVER": "4.34c"})
	r.Publish(context.Background(), "ble", router.TopicBLENotification,
		wire.Message{"TYP": "SW", "SSID": "mesh"})

	lat, lon, ok := r.CachedGPS()
	if !ok || lat != 48.1871 || lon != 11.3721 {
		t.Errorf("CachedGPS() = %v/%v/%v, want 48.1871/11.3721/true", lat, lon, ok)
	}
	if hookLat != 48.1871 || hookLon != 11.3721 {
		t.Errorf("GPS hook got %v/%v, want 48.1871/11.3721", hookLat, hookLon)
	}

	regs := r.CachedRegisters()
	if len(regs) != 3 {
		t.Fatalf("cached %d registers, want 3 (G, I, SW)", len(regs))
	}
	// Sorted by TYP: G, I, SW.
	if regs[0]["TYP"] != "G" || regs[1]["TYP"] != "I" || regs[2]["TYP"] != "SW" {
		t.Errorf("register order = %v/%v/%v, want G/I/SW",
			regs[0]["TYP"], regs[1]["TYP"], regs[2]["TYP"])
	}

	// Zero coordinates never overwrite a fix.
	r.Publish(context.Background(), "ble", router.TopicBLENotification,
		wire.Message{"TYP": "G", "LAT": 0.0, "LON": 0.0})
	if lat, _, _ := r.CachedGPS(); lat != 48.1871 {
		t.Errorf("lat = %v after zero fix, want 48.1871", lat)
	}

	// Disconnect clears the register cache.
	r.Publish(context.Background(), "ble", router.TopicBLEStatus,
		wire.Message{"command": "disconnect BLE", "result": "ok"})
	if regs := r.CachedRegisters(); len(regs) != 0 {
		t.Errorf("cached %d registers after disconnect, want 0", len(regs))
	}
}

// -------------------------------------------------------------------------
// Command Routing
// -------------------------------------------------------------------------

func TestRouteCommandSmartInitial(t *testing.T) {
	t.Parallel()

	store := &fakeCommandStore{}
	r := router.New(ownCallsign, store, nil, nil)

	direct := &collector{}
	r.Subscribe(router.TopicWebDirect, "test", direct.handler)

	if err := r.RouteCommand(context.Background(), "smart_initial", "client-1", nil); err != nil {
		t.Fatalf("RouteCommand() error: %v", err)
	}

	got := direct.all()
	// smart_initial, summary, read_counts, hidden_destinations.
	if len(got) != 4 {
		t.Fatalf("received %d direct payloads, want 4", len(got))
	}
	if got[0]["msg"] != "smart_initial" {
		t.Errorf("payload[0] msg = %v, want smart_initial", got[0]["msg"])
	}
	if got[1]["msg"] != "summary" {
		t.Errorf("payload[1] msg = %v, want summary", got[1]["msg"])
	}
	for i, payload := range got {
		if payload["client_id"] != "client-1" {
			t.Errorf("payload[%d] client_id = %v, want client-1", i, payload["client_id"])
		}
	}
}

func TestRouteCommandMessagesPage(t *testing.T) {
	t.Parallel()

	store := &fakeCommandStore{}
	r := router.New(ownCallsign, store, nil, nil)

	direct := &collector{}
	r.Subscribe(router.TopicWebDirect, "test", direct.handler)

	err := r.RouteCommand(context.Background(), "get_messages_page", "client-1",
		wire.Message{"dst": "232", "limit": float64(10)})
	if err != nil {
		t.Fatalf("RouteCommand() error: %v", err)
	}

	got := direct.all()
	if len(got) != 1 {
		t.Fatalf("received %d payloads, want 1", len(got))
	}
	if got[0]["msg"] != "messages_page" {
		t.Errorf("msg = %v, want messages_page", got[0]["msg"])
	}
	if got[0]["has_more"] != true {
		t.Errorf("has_more = %v, want true", got[0]["has_more"])
	}
}

func TestRouteCommandDevice(t *testing.T) {
	t.Parallel()

	r := router.New(ownCallsign, nil, nil, nil)
	client := &fakeBLEClient{}
	r.RegisterProtocol(router.ProtocolBLE, client)

	tests := []struct {
		command  string
		wantSet  bool
		wantSend bool
	}{
		{command: "--pos", wantSend: true},
		{command: "--setCALL DK5EN-99", wantSet: true},
		{command: "--symid /", wantSet: true},
		{command: "--setboostedgain on", wantSend: true},
	}

	for _, tt := range tests {
		if err := r.RouteCommand(context.Background(), tt.command, "", nil); err != nil {
			t.Fatalf("RouteCommand(%q) error: %v", tt.command, err)
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.commands) != 2 {
		t.Errorf("A0 commands = %v, want [--pos --setboostedgain on]", client.commands)
	}
	if len(client.sets) != 2 {
		t.Errorf("set commands = %v, want [--setCALL DK5EN-99 --symid /]", client.sets)
	}
}

func TestRouteCommandUnknown(t *testing.T) {
	t.Parallel()

	r := router.New(ownCallsign, nil, nil, nil)

	direct := &collector{}
	r.Subscribe(router.TopicWebDirect, "test", direct.handler)

	err := r.RouteCommand(context.Background(), "bogus", "client-1", nil)
	if err == nil {
		t.Fatal("RouteCommand(bogus) error = nil, want error")
	}

	got := direct.all()
	if len(got) != 1 {
		t.Fatalf("received %d payloads, want 1 error payload", len(got))
	}
	if got[0]["type"] != "error" {
		t.Errorf("type = %v, want error", got[0]["type"])
	}
}

// Ensure fakes satisfy the interfaces.
var (
	_ router.Store        = (*fakeStore)(nil)
	_ router.CommandStore = (*fakeCommandStore)(nil)
	_ router.MeshSender   = (*fakeMeshSender)(nil)
	_ router.BLEClient    = (*fakeBLEClient)(nil)
)
