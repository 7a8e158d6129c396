// Package sse implements the HTTP and Server-Sent Events surface of
// the gateway. Web clients connect to /events for a live message
// stream and use the /api endpoints for sending, persisted UI state,
// telemetry charts and deployment control. The server binds to
// localhost only; the lighttpd reverse proxy terminates the LAN side.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dk5en/mcapp/internal/config"
	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/storage"
	"github.com/dk5en/mcapp/internal/update"
	"github.com/dk5en/mcapp/internal/wire"
)

// -------------------------------------------------------------------------
// Tuning
// -------------------------------------------------------------------------

const (
	// keepaliveInterval paces ping events on idle streams so proxies
	// do not drop the connection.
	keepaliveInterval = 30 * time.Second

	// clientQueueSize bounds the per-client event queue. A client that
	// cannot drain this many events loses the overflow.
	clientQueueSize = 256

	shutdownTimeout = 5 * time.Second
)

// -------------------------------------------------------------------------
// Consumed Interfaces
// -------------------------------------------------------------------------

// Storage is the persisted UI state and telemetry surface the HTTP
// endpoints serve. The SQLite store implements it.
type Storage interface {
	ReadCounts(ctx context.Context) (wire.Message, error)
	SetReadCount(ctx context.Context, dst string, count int64) error
	HiddenDestinations(ctx context.Context) ([]string, error)
	SetHiddenDestinations(ctx context.Context, destinations []string) error
	UpdateHiddenDestination(ctx context.Context, dst string, hidden bool) error
	BlockedTexts(ctx context.Context) ([]string, error)
	SetBlockedTexts(ctx context.Context, texts []string) error
	UpdateBlockedText(ctx context.Context, text string, blocked bool) error
	MHeardSidebar(ctx context.Context) (*storage.SidebarState, error)
	SetMHeardSidebar(ctx context.Context, state storage.SidebarState) error
	WXSidebar(ctx context.Context) (*storage.SidebarState, error)
	SetWXSidebar(ctx context.Context, state storage.SidebarState) error
	TelemetryChartData(ctx context.Context, hours int) ([]wire.Message, error)
	TelemetryChartDataBucketed(ctx context.Context, hours int) ([]wire.Message, error)
}

// Weather provides the current conditions document for /api/weather.
type Weather interface {
	SetLocation(lat, lon float64)
	Data(ctx context.Context) (wire.Message, error)
}

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// Options configures the SSE server.
type Options struct {
	// Addr is the listen address. Defaults to 127.0.0.1:2981.
	Addr string

	// Router is the message bus; required.
	Router *router.Router

	// Storage backs the UI state and telemetry endpoints. Optional;
	// the endpoints answer 503 without it.
	Storage Storage

	// Weather backs /api/weather. Optional.
	Weather Weather

	// Updates backs the /api/update endpoints. Optional.
	Updates *update.Manager

	// Gatherer exposes Prometheus metrics on /metrics. Optional.
	Gatherer prometheus.Gatherer

	Log *slog.Logger
}

// client is one connected event stream.
type client struct {
	id string
	ch chan wire.Message
}

// Server fans routed messages out to connected web clients and serves
// the HTTP API.
type Server struct {
	addr     string
	router   *router.Router
	store    Storage
	weather  Weather
	updates  *update.Manager
	gatherer prometheus.Gatherer
	log      *slog.Logger

	startedAt time.Time

	mu      sync.Mutex
	clients map[string]*client
}

// New creates the SSE server and subscribes it to the web-facing
// topics of the router.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	addr := opts.Addr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", config.SSEHost, config.SSEPort)
	}

	s := &Server{
		addr:      addr,
		router:    opts.Router,
		store:     opts.Storage,
		weather:   opts.Weather,
		updates:   opts.Updates,
		gatherer:  opts.Gatherer,
		log:       log.With("component", "sse"),
		startedAt: time.Now(),
		clients:   make(map[string]*client),
	}

	if s.router != nil {
		for _, topic := range []string{
			router.TopicMeshMessage,
			router.TopicWebMessage,
			router.TopicBLENotification,
			router.TopicBLEStatus,
		} {
			s.router.Subscribe(topic, "sse_broadcast", s.broadcastHandler)
		}
		s.router.Subscribe(router.TopicWebDirect, "sse_direct", s.directHandler)
		s.router.RegisterProtocol(router.ProtocolSSE, s)
	}

	return s
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("shutdown incomplete, closing", "error", err)
			srv.Close()
		}
	}()

	s.log.Info("listening", "addr", s.addr)
	err := srv.ListenAndServe()
	<-done
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ClientCount returns the number of connected event streams.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// -------------------------------------------------------------------------
// Routing
// -------------------------------------------------------------------------

// Handler returns the HTTP handler tree, wrapped in the CORS
// middleware. Exposed separately from Run for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/time", s.handleTime)
	mux.HandleFunc("GET /api/weather", s.handleWeather)
	mux.HandleFunc("GET /api/telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /api/telemetry/yearly", s.handleTelemetryYearly)
	mux.HandleFunc("GET /api/timezone", s.handleTimezone)

	mux.HandleFunc("GET /api/read_counts", s.handleGetReadCounts)
	mux.HandleFunc("POST /api/read_counts", s.handleSetReadCount)
	mux.HandleFunc("GET /api/hidden_destinations", s.handleGetHidden)
	mux.HandleFunc("POST /api/hidden_destinations", s.handleSetHidden)
	mux.HandleFunc("GET /api/blocked_texts", s.handleGetBlocked)
	mux.HandleFunc("POST /api/blocked_texts", s.handleSetBlocked)
	mux.HandleFunc("GET /api/mheard/sidebar", s.handleGetMHeardSidebar)
	mux.HandleFunc("POST /api/mheard/sidebar", s.handleSetMHeardSidebar)
	mux.HandleFunc("GET /api/wx/sidebar", s.handleGetWXSidebar)
	mux.HandleFunc("POST /api/wx/sidebar", s.handleSetWXSidebar)

	mux.HandleFunc("GET /api/update/check", s.handleUpdateCheck)
	mux.HandleFunc("POST /api/update/start", s.handleUpdateStart)
	mux.HandleFunc("POST /api/update/rollback", s.handleUpdateRollback)
	mux.HandleFunc("GET /api/update/slots", s.handleUpdateSlots)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			s.gatherer, promhttp.HandlerOpts{}))
	}

	return corsMiddleware(mux)
}

// corsMiddleware answers preflight requests and marks every response
// as cross-origin accessible. The API is LAN-only behind the proxy.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// -------------------------------------------------------------------------
// Event Stream
// -------------------------------------------------------------------------

// handleEvents serves one live event stream: a connected marker, the
// initial data replay, then broadcast traffic with keepalive pings.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	cl := &client{
		id: uuid.NewString()[:8],
		ch: make(chan wire.Message, clientQueueSize),
	}
	s.mu.Lock()
	s.clients[cl.id] = cl
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, cl.id)
		s.mu.Unlock()
		s.log.Info("client disconnected", "client", cl.id)
	}()
	s.log.Info("client connected", "client", cl.id)

	ctx := r.Context()
	if err := writeEvent(w, flusher, wire.Message{
		"type":      "connected",
		"client_id": cl.id,
		"timestamp": time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	s.sendInitial(ctx, cl)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-cl.ch:
			if err := writeEvent(w, flusher, data); err != nil {
				return
			}
		case <-ticker.C:
			err := writeEvent(w, flusher, wire.Message{
				"type":      "ping",
				"timestamp": time.Now().UnixMilli(),
			})
			if err != nil {
				return
			}
		}
	}
}

// sendInitial queues the initial payload for a fresh client: recent
// messages and UI state via the router's smart_initial command, then
// the sidebar layouts and the current BLE link state.
func (s *Server) sendInitial(ctx context.Context, cl *client) {
	if s.router != nil {
		// Replies arrive on websocket_direct addressed to this client
		// and land in cl.ch in order, since fan-out is synchronous.
		err := s.router.RouteCommand(ctx, "smart_initial", cl.id, nil)
		if err != nil {
			s.log.Error("initial data failed", "client", cl.id, "error", err)
		}
	}

	if s.store != nil {
		if sidebar, err := s.store.MHeardSidebar(ctx); err == nil && sidebar != nil {
			s.queue(cl, wire.Message{
				"type": "response", "msg": "mheard_sidebar", "data": sidebar,
			})
		}
		if sidebar, err := s.store.WXSidebar(ctx); err == nil && sidebar != nil {
			s.queue(cl, wire.Message{
				"type": "response", "msg": "wx_sidebar", "data": sidebar,
			})
		}
	}

	s.sendBLEState(ctx, cl)
	s.log.Debug("initial data sent", "client", cl.id)
}

// sendBLEState reports the BLE link to a fresh client in the shape the
// frontend expects, replaying the cached device registers when the
// link is up.
func (s *Server) sendBLEState(ctx context.Context, cl *client) {
	if s.router == nil {
		return
	}
	ble, _ := s.router.Protocol(router.ProtocolBLE).(router.BLEClient)
	if ble == nil {
		return
	}

	status, err := ble.RefreshStatus(ctx)
	if err != nil {
		s.log.Warn("ble status refresh failed", "client", cl.id, "error", err)
		return
	}

	if status.State == router.BLEStateConnected {
		s.queue(cl, wire.Message{
			"src_type":       "BLE",
			"TYP":            "blueZ",
			"command":        "connect BLE result",
			"result":         "ok",
			"msg":            "BLE connection already running",
			"device_address": status.DeviceAddress,
			"device_name":    status.DeviceName,
			"mode":           status.Mode,
			"timestamp":      time.Now().UnixMilli(),
		})
		registers := s.router.CachedRegisters()
		for _, reg := range registers {
			s.queue(cl, reg)
		}
		if len(registers) > 0 {
			s.log.Info("replayed cached registers",
				"client", cl.id, "count", len(registers))
		}
		return
	}

	s.queue(cl, wire.Message{
		"src_type":  "BLE",
		"TYP":       "blueZ",
		"command":   "disconnect",
		"result":    "ok",
		"msg":       "BLE not connected",
		"timestamp": time.Now().UnixMilli(),
	})
}

// writeEvent emits one SSE data frame.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, data wire.Message) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// -------------------------------------------------------------------------
// Fan-Out
// -------------------------------------------------------------------------

// broadcastHandler queues a routed message for every connected client.
func (s *Server) broadcastHandler(ctx context.Context, env router.Envelope) error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, cl := range s.clients {
		clients = append(clients, cl)
	}
	s.mu.Unlock()

	for _, cl := range clients {
		s.queue(cl, env.Data)
	}
	return nil
}

// directHandler delivers a routed message to the single client named
// by its client_id field.
func (s *Server) directHandler(ctx context.Context, env router.Envelope) error {
	id, _ := env.Data["client_id"].(string)
	if id == "" {
		return s.broadcastHandler(ctx, env)
	}

	s.mu.Lock()
	cl := s.clients[id]
	s.mu.Unlock()
	if cl == nil {
		s.log.Debug("direct message for unknown client", "client", id)
		return nil
	}

	payload := make(wire.Message, len(env.Data))
	for k, v := range env.Data {
		if k != "client_id" {
			payload[k] = v
		}
	}
	s.queue(cl, payload)
	return nil
}

// queue hands data to a client without blocking; a stalled client
// loses the event.
func (s *Server) queue(cl *client, data wire.Message) {
	select {
	case cl.ch <- data:
	default:
		s.log.Warn("client queue full, dropping event", "client", cl.id)
	}
}
