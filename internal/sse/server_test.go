package sse_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/sse"
	"github.com/dk5en/mcapp/internal/storage"
	"github.com/dk5en/mcapp/internal/weather"
	"github.com/dk5en/mcapp/internal/wire"
)

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

type fakeMeshSender struct {
	mu     sync.Mutex
	frames []wire.Message
}

func (f *fakeMeshSender) SendFrame(ctx context.Context, data wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeMeshSender) last() wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

type env struct {
	store  *storage.Store
	router *router.Router
	mesh   *fakeMeshSender
	ts     *httptest.Server
}

func newEnv(t *testing.T, opts sse.Options) *env {
	t.Helper()

	store, err := storage.Open(context.Background(), storage.Options{
		Path: filepath.Join(t.TempDir(), "mcapp.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := router.New("DK5EN-99", store, nil, log)
	mesh := &fakeMeshSender{}
	rt.RegisterProtocol(router.ProtocolUDP, mesh)

	opts.Router = rt
	opts.Storage = store
	opts.Log = log
	srv := sse.New(opts)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ts.Client().CloseIdleConnections()
	})
	return &env{store: store, router: rt, mesh: mesh, ts: ts}
}

// openStream connects to /events and returns a reader over the stream.
func (e *env) openStream(t *testing.T) *bufio.Reader {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %s, want text/event-stream", got)
	}
	return bufio.NewReader(resp.Body)
}

// readEvent parses the next data frame from an event stream.
func readEvent(t *testing.T, br *bufio.Reader) wire.Message {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg wire.Message
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		return msg
	}
}

func (e *env) storeMessage(t *testing.T, data wire.Message) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := e.store.StoreMessage(context.Background(), data, string(raw)); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
}

func (e *env) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := e.ts.Client().Post(e.ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) getJSON(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := e.ts.Client().Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

// -------------------------------------------------------------------------
// Event Stream
// -------------------------------------------------------------------------

func TestEventStreamInitialSequence(t *testing.T) {
	e := newEnv(t, sse.Options{})
	now := time.Now().UnixMilli()
	e.storeMessage(t, wire.Message{
		"src": "OE5XX-12", "dst": "20", "msg": "servus", "type": "msg",
		"src_type": "lora", "msg_id": "AABBCC01", "timestamp": now,
	})
	e.storeMessage(t, wire.Message{
		"src": "OE1ABC-1", "dst": "20", "msg": "moin", "type": "msg",
		"src_type": "lora", "msg_id": "AABBCC02", "timestamp": now + 1,
	})

	br := e.openStream(t)

	connected := readEvent(t, br)
	if connected["type"] != "connected" {
		t.Fatalf("first event type = %v, want connected", connected["type"])
	}
	id, _ := connected["client_id"].(string)
	if len(id) != 8 {
		t.Errorf("client_id = %q, want 8 characters", id)
	}

	initial := readEvent(t, br)
	if initial["type"] != "response" || initial["msg"] != "smart_initial" {
		t.Fatalf("second event = %v, want smart_initial response", initial)
	}
	data, _ := initial["data"].(map[string]any)
	messages, _ := data["messages"].([]any)
	if len(messages) != 2 {
		t.Errorf("smart_initial messages = %d, want 2", len(messages))
	}

	summary := readEvent(t, br)
	if summary["msg"] != "summary" {
		t.Fatalf("third event = %v, want summary response", summary)
	}
	summaryData, _ := summary["data"].(map[string]any)
	if summaryData["20"] != float64(2) {
		t.Errorf("summary[20] = %v, want 2", summaryData["20"])
	}
}

func TestEventStreamBroadcast(t *testing.T) {
	e := newEnv(t, sse.Options{})
	br := e.openStream(t)
	readEvent(t, br) // connected
	readEvent(t, br) // smart_initial
	readEvent(t, br) // summary

	e.router.Publish(context.Background(), "test", router.TopicWebMessage, wire.Message{
		"src_type": "system", "type": "info", "msg": "hello everyone",
	})

	got := readEvent(t, br)
	if got["msg"] != "hello everyone" {
		t.Errorf("broadcast msg = %v, want hello everyone", got["msg"])
	}
}

func TestEventStreamDirectDelivery(t *testing.T) {
	e := newEnv(t, sse.Options{})

	brA := e.openStream(t)
	idA, _ := readEvent(t, brA)["client_id"].(string)
	readEvent(t, brA) // smart_initial
	readEvent(t, brA) // summary

	brB := e.openStream(t)
	readEvent(t, brB) // connected
	readEvent(t, brB) // smart_initial
	readEvent(t, brB) // summary

	ctx := context.Background()
	e.router.Publish(ctx, "test", router.TopicWebDirect, wire.Message{
		"client_id": idA, "msg": "only for A",
	})
	e.router.Publish(ctx, "test", router.TopicWebMessage, wire.Message{
		"msg": "for everyone",
	})

	direct := readEvent(t, brA)
	if direct["msg"] != "only for A" {
		t.Errorf("client A first event = %v, want direct message", direct["msg"])
	}
	if _, ok := direct["client_id"]; ok {
		t.Error("client_id leaked into delivered payload")
	}
	if got := readEvent(t, brA); got["msg"] != "for everyone" {
		t.Errorf("client A second event = %v, want broadcast", got["msg"])
	}

	// B must not have seen the direct message.
	if got := readEvent(t, brB); got["msg"] != "for everyone" {
		t.Errorf("client B event = %v, want broadcast only", got["msg"])
	}
}

// -------------------------------------------------------------------------
// Sending
// -------------------------------------------------------------------------

func TestSendMessageReachesMesh(t *testing.T) {
	e := newEnv(t, sse.Options{})

	resp := e.postJSON(t, "/api/send", map[string]any{
		"type": "msg", "dst": "20", "msg": "hi from the web",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	frame := e.mesh.last()
	if frame == nil {
		t.Fatal("no frame reached the mesh sender")
	}
	if frame["msg"] != "hi from the web" || frame["dst"] != "20" {
		t.Errorf("frame = %v", frame)
	}
	if frame["src"] != "DK5EN-99" {
		t.Errorf("src = %v, want gateway callsign filled in", frame["src"])
	}
}

func TestSendPageRequestAnswersOverStream(t *testing.T) {
	e := newEnv(t, sse.Options{})
	br := e.openStream(t)
	readEvent(t, br) // connected
	readEvent(t, br) // smart_initial
	readEvent(t, br) // summary

	resp := e.postJSON(t, "/api/send", map[string]any{
		"type": "page_request", "dst": "20", "limit": 10,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	page := readEvent(t, br)
	if page["msg"] != "messages_page" || page["dst"] != "20" {
		t.Errorf("page event = %v, want messages_page for 20", page)
	}
	if page["has_more"] != false {
		t.Errorf("has_more = %v, want false on empty store", page["has_more"])
	}
}

// -------------------------------------------------------------------------
// UI State Endpoints
// -------------------------------------------------------------------------

func TestReadCountsEndpoint(t *testing.T) {
	e := newEnv(t, sse.Options{})

	if resp := e.postJSON(t, "/api/read_counts", map[string]any{"count": 5}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing dst status = %d, want 400", resp.StatusCode)
	}

	resp := e.postJSON(t, "/api/read_counts", map[string]any{"dst": "20", "count": 5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var counts map[string]float64
	e.getJSON(t, "/api/read_counts", &counts)
	if counts["20"] != 5 {
		t.Errorf("counts = %v, want 20:5", counts)
	}
}

func TestHiddenDestinationsEndpoint(t *testing.T) {
	e := newEnv(t, sse.Options{})

	e.postJSON(t, "/api/hidden_destinations", map[string]any{"dst": "TEST"})
	e.postJSON(t, "/api/hidden_destinations", map[string]any{"dst": "144", "hidden": true})
	e.postJSON(t, "/api/hidden_destinations", map[string]any{"dst": "TEST", "hidden": false})

	var hidden []string
	e.getJSON(t, "/api/hidden_destinations", &hidden)
	if len(hidden) != 1 || hidden[0] != "144" {
		t.Errorf("hidden = %v, want [144]", hidden)
	}

	e.postJSON(t, "/api/hidden_destinations", map[string]any{
		"destinations": []string{"A", "B"},
	})
	e.getJSON(t, "/api/hidden_destinations", &hidden)
	if len(hidden) != 2 {
		t.Errorf("hidden after bulk = %v, want 2 entries", hidden)
	}
}

func TestBlockedTextsEndpoint(t *testing.T) {
	e := newEnv(t, sse.Options{})

	e.postJSON(t, "/api/blocked_texts", map[string]any{"text": "spam pattern"})

	var blocked []string
	e.getJSON(t, "/api/blocked_texts", &blocked)
	if len(blocked) != 1 || blocked[0] != "spam pattern" {
		t.Errorf("blocked = %v, want [spam pattern]", blocked)
	}

	if resp := e.postJSON(t, "/api/blocked_texts", map[string]any{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", resp.StatusCode)
	}
}

func TestSidebarEndpoints(t *testing.T) {
	e := newEnv(t, sse.Options{})

	var state storage.SidebarState
	e.getJSON(t, "/api/mheard/sidebar", &state)
	if len(state.Order) != 0 || len(state.Hidden) != 0 {
		t.Errorf("default sidebar = %+v, want empty lists", state)
	}

	e.postJSON(t, "/api/wx/sidebar", storage.SidebarState{
		Order:  []string{"OE5XX-12", "DK5EN-99"},
		Hidden: []string{"OE1ABC-1"},
	})
	e.getJSON(t, "/api/wx/sidebar", &state)
	if len(state.Order) != 2 || state.Order[0] != "OE5XX-12" {
		t.Errorf("wx order = %v", state.Order)
	}
	if len(state.Hidden) != 1 {
		t.Errorf("wx hidden = %v", state.Hidden)
	}
}

// -------------------------------------------------------------------------
// Plain Endpoints
// -------------------------------------------------------------------------

func TestStatusHealthAndTime(t *testing.T) {
	e := newEnv(t, sse.Options{})

	var status map[string]any
	e.getJSON(t, "/api/status", &status)
	if status["status"] != "ok" {
		t.Errorf("status = %v", status["status"])
	}
	if status["clients"] != float64(0) {
		t.Errorf("clients = %v, want 0", status["clients"])
	}

	var health map[string]any
	e.getJSON(t, "/health", &health)
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	var clock map[string]any
	e.getJSON(t, "/api/time", &clock)
	if clock["server_time_ms"] == nil || clock["server_time_ms"].(float64) <= 0 {
		t.Errorf("server_time_ms = %v", clock["server_time_ms"])
	}
}

func TestTimezoneEndpoint(t *testing.T) {
	e := newEnv(t, sse.Options{})

	resp := e.getJSON(t, "/api/timezone?lat=48.3&lon=14.3", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var tz map[string]any
	e.getJSON(t, "/api/timezone?lat=48.3&lon=14.3", &tz)
	if tz["timezone"] == nil || tz["utc_offset"] == nil {
		t.Errorf("timezone response = %v", tz)
	}

	if resp := e.getJSON(t, "/api/timezone?lat=abc&lon=14.3", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad lat status = %d, want 400", resp.StatusCode)
	}
	if resp := e.getJSON(t, "/api/timezone", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing params status = %d, want 400", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, sse.Options{})

	req, _ := http.NewRequest(http.MethodOptions, e.ts.URL+"/api/send", nil)
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}
}

func TestTelemetryEndpoint(t *testing.T) {
	e := newEnv(t, sse.Options{})

	var data []any
	resp := e.getJSON(t, "/api/telemetry", &data)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(data) != 0 {
		t.Errorf("telemetry = %v, want empty list", data)
	}

	if resp := e.getJSON(t, "/api/telemetry?hours=0", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("hours=0 status = %d, want 400", resp.StatusCode)
	}
	if resp := e.getJSON(t, "/api/telemetry/yearly", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("yearly status = %d, want 200", resp.StatusCode)
	}
}

func TestWeatherWaitsForFix(t *testing.T) {
	svc := weather.New(weather.Options{StationName: "Linz"})
	e := newEnv(t, sse.Options{Weather: svc})

	var body map[string]any
	e.getJSON(t, "/api/weather", &body)
	if body["error"] == nil {
		t.Errorf("weather without fix = %v, want pending error", body)
	}
	if !strings.Contains(fmt.Sprint(body["error"]), "GPS") {
		t.Errorf("error = %v, want GPS pending text", body["error"])
	}
}

func TestUpdateEndpointsUnavailable(t *testing.T) {
	e := newEnv(t, sse.Options{})

	if resp := e.getJSON(t, "/api/update/check", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("check status = %d, want 503", resp.StatusCode)
	}
	if resp := e.getJSON(t, "/api/update/slots", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("slots status = %d, want 503", resp.StatusCode)
	}
}
