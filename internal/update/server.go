package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dk5en/mcapp/internal/config"
)

// RunnerServer is the update runner's own HTTP face: a progress
// stream with full history replay, plus status and slot metadata. It
// listens on all interfaces so the update page keeps working while
// the main daemon (and with it the reverse proxy target) restarts
// underneath it.
type RunnerServer struct {
	slots *Slots
	bus   *EventBus
	mode  string
	log   *slog.Logger

	mu     sync.Mutex
	result map[string]any
}

// NewRunnerServer creates the runner's HTTP server.
func NewRunnerServer(slots *Slots, bus *EventBus, mode string, log *slog.Logger) *RunnerServer {
	if log == nil {
		log = slog.Default()
	}
	return &RunnerServer{
		slots: slots,
		bus:   bus,
		mode:  mode,
		log:   log.With("component", "runner"),
	}
}

// SetResult records the final operation result for /status.
func (rs *RunnerServer) SetResult(result map[string]any) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.result = result
}

// Run serves HTTP until ctx is cancelled.
func (rs *RunnerServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.UpdateRunnerPort),
		Handler:           rs.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			srv.Close()
		}
	}()

	rs.log.Info("listening", "addr", srv.Addr)
	err := srv.ListenAndServe()
	<-done
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the HTTP handler tree. Exposed for tests.
func (rs *RunnerServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", rs.handleStream)
	mux.HandleFunc("GET /status", rs.handleStatus)
	mux.HandleFunc("GET /slots", rs.handleSlots)
	return corsHandler(mux)
}

func corsHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleStream serves the progress stream: history replay first, then
// live events, with comment keepalives on idle.
func (rs *RunnerServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := rs.bus.Subscribe()
	defer rs.bus.Unsubscribe(ch)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if _, err := io.WriteString(w, frame); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (rs *RunnerServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	result := rs.result
	rs.mu.Unlock()

	info := rs.slots.Info()
	rs.writeJSON(w, map[string]any{
		"mode":        rs.mode,
		"result":      result,
		"slots":       info.Slots,
		"active_slot": info.ActiveSlot,
	})
}

func (rs *RunnerServer) handleSlots(w http.ResponseWriter, r *http.Request) {
	rs.writeJSON(w, rs.slots.Info())
}

func (rs *RunnerServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rs.log.Warn("write response", "error", err)
	}
}
