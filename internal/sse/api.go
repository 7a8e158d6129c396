package sse

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/storage"
	appversion "github.com/dk5en/mcapp/internal/version"
	"github.com/dk5en/mcapp/internal/weather"
	"github.com/dk5en/mcapp/internal/wire"
)

// telemetryMaxHours caps /api/telemetry at 31 days of raw readings.
const telemetryMaxHours = 744

// -------------------------------------------------------------------------
// Sending
// -------------------------------------------------------------------------

// sendRequest is the /api/send body. Mirrors what the frontend puts on
// the event stream's write side.
type sendRequest struct {
	Type   string `json:"type"`
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	Msg    string `json:"msg"`
	Before int64  `json:"before"`
	Limit  int    `json:"limit"`
}

// handleSend accepts a message, device command or page request from a
// web client and hands it to the router.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeError(w, http.StatusServiceUnavailable, "message router not available")
		return
	}

	req := sendRequest{Type: "msg", Dst: "*", Limit: 20}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx := r.Context()
	switch req.Type {
	case "page_request":
		// The page is delivered over the event stream.
		params := wire.Message{
			"dst":    req.Dst,
			"before": float64(req.Before),
			"limit":  float64(req.Limit),
		}
		if req.Src != "" {
			params["src"] = req.Src
		}
		if err := s.router.RouteCommand(ctx, "get_messages_page", "", params); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

	case "command":
		if err := s.router.RouteCommand(ctx, req.Msg, "", nil); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

	case "BLE":
		s.router.Publish(ctx, "sse", router.TopicBLEMessage, wire.Message{
			"msg": req.Msg,
			"dst": req.Dst,
		})

	default:
		data := wire.Message{
			"type": req.Type,
			"dst":  req.Dst,
			"msg":  req.Msg,
		}
		if req.Src != "" {
			data["src"] = req.Src
		}
		s.router.Publish(ctx, "sse", router.TopicUDPMessage, data)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "Message queued for delivery",
	})
}

// -------------------------------------------------------------------------
// Status
// -------------------------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        appversion.Version,
		"clients":        s.ClientCount(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// handleTime serves the server clock for frontend clock sync.
func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	zone, _ := now.Zone()
	writeJSON(w, http.StatusOK, map[string]any{
		"server_time_ms": now.UnixMilli(),
		"timezone":       zone,
	})
}

// handleTimezone reports the UTC offset for station coordinates. The
// gateway runs at the station site, so the host zone answers for any
// coordinates the device GPS can realistically report.
func (s *Server) handleTimezone(w http.ResponseWriter, r *http.Request) {
	for _, param := range []string{"lat", "lon"} {
		if _, err := strconv.ParseFloat(r.URL.Query().Get(param), 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid or missing "+param)
			return
		}
	}

	now := time.Now()
	abbreviation, offsetSeconds := now.Zone()
	writeJSON(w, http.StatusOK, map[string]any{
		"timezone":     now.Location().String(),
		"abbreviation": abbreviation,
		"utc_offset":   float64(offsetSeconds) / 3600,
	})
}

// -------------------------------------------------------------------------
// Weather
// -------------------------------------------------------------------------

// handleWeather serves the current conditions document. Without a GPS
// fix it falls back to the router's cached position, or asks the BLE
// device for one and reports that the fix is still pending.
func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	if s.weather == nil {
		writeError(w, http.StatusServiceUnavailable, "weather service not available")
		return
	}

	ctx := r.Context()
	if s.router != nil {
		if lat, lon, ok := s.router.CachedGPS(); ok {
			s.weather.SetLocation(lat, lon)
		}
	}

	data, err := s.weather.Data(ctx)
	if errors.Is(err, weather.ErrNoFix) {
		if s.router != nil {
			// One-shot position query; the fix arrives as a TYP G
			// notification and primes the cache for the next call.
			if ble, ok := s.router.Protocol(router.ProtocolBLE).(router.BLEClient); ok {
				if err := ble.SendCommand(ctx, "--pos"); err != nil {
					s.log.Debug("gps query failed", "error", err)
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"error":     "Warte auf GPS vom Gerät...",
			"timestamp": time.Now().UnixMilli(),
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// -------------------------------------------------------------------------
// Telemetry
// -------------------------------------------------------------------------

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry not available")
		return
	}

	hours := 48
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		hours = min(n, telemetryMaxHours)
	}

	data, err := s.store.TelemetryChartData(r.Context(), hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(data))
}

func (s *Server) handleTelemetryYearly(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry not available")
		return
	}

	data, err := s.store.TelemetryChartDataBucketed(r.Context(), 365*24)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(data))
}

// -------------------------------------------------------------------------
// UI State
// -------------------------------------------------------------------------

func (s *Server) handleGetReadCounts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	counts, err := s.store.ReadCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleSetReadCount(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	var body struct {
		Dst   string `json:"dst"`
		Count *int64 `json:"count"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		return
	}
	if body.Dst == "" || body.Count == nil {
		writeError(w, http.StatusBadRequest, "missing dst or count")
		return
	}
	if err := s.store.SetReadCount(r.Context(), body.Dst, *body.Count); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleGetHidden(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	hidden, err := s.store.HiddenDestinations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orEmptyStrings(hidden))
}

// handleSetHidden hides or shows conversations. A destinations list
// replaces the set wholesale; {dst, hidden} updates a single entry.
func (s *Server) handleSetHidden(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	var body struct {
		Destinations []string `json:"destinations"`
		Dst          string   `json:"dst"`
		Hidden       *bool    `json:"hidden"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		return
	}

	ctx := r.Context()
	var err error
	switch {
	case body.Destinations != nil:
		err = s.store.SetHiddenDestinations(ctx, body.Destinations)
	case body.Dst != "":
		hidden := true
		if body.Hidden != nil {
			hidden = *body.Hidden
		}
		err = s.store.UpdateHiddenDestination(ctx, body.Dst, hidden)
	default:
		writeError(w, http.StatusBadRequest, "missing dst")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleGetBlocked(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	blocked, err := s.store.BlockedTexts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orEmptyStrings(blocked))
}

// handleSetBlocked mutes or unmutes text patterns; same single/bulk
// split as the hidden destinations endpoint.
func (s *Server) handleSetBlocked(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	var body struct {
		Texts   []string `json:"texts"`
		Text    string   `json:"text"`
		Blocked *bool    `json:"blocked"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		return
	}

	ctx := r.Context()
	var err error
	switch {
	case body.Texts != nil:
		err = s.store.SetBlockedTexts(ctx, body.Texts)
	case body.Text != "":
		blocked := true
		if body.Blocked != nil {
			blocked = *body.Blocked
		}
		err = s.store.UpdateBlockedText(ctx, body.Text, blocked)
	default:
		writeError(w, http.StatusBadRequest, "missing text")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleGetMHeardSidebar(w http.ResponseWriter, r *http.Request) {
	s.getSidebar(w, r, func() (*storage.SidebarState, error) {
		return s.store.MHeardSidebar(r.Context())
	})
}

func (s *Server) handleSetMHeardSidebar(w http.ResponseWriter, r *http.Request) {
	s.setSidebar(w, r, func(state storage.SidebarState) error {
		return s.store.SetMHeardSidebar(r.Context(), state)
	})
}

func (s *Server) handleGetWXSidebar(w http.ResponseWriter, r *http.Request) {
	s.getSidebar(w, r, func() (*storage.SidebarState, error) {
		return s.store.WXSidebar(r.Context())
	})
}

func (s *Server) handleSetWXSidebar(w http.ResponseWriter, r *http.Request) {
	s.setSidebar(w, r, func(state storage.SidebarState) error {
		return s.store.SetWXSidebar(r.Context(), state)
	})
}

func (s *Server) getSidebar(w http.ResponseWriter, r *http.Request, fetch func() (*storage.SidebarState, error)) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	state, err := fetch()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if state == nil {
		state = &storage.SidebarState{Order: []string{}, Hidden: []string{}}
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) setSidebar(w http.ResponseWriter, r *http.Request, save func(storage.SidebarState) error) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	var state storage.SidebarState
	if err := decodeBody(w, r, &state); err != nil {
		return
	}
	if err := save(state); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// orEmpty keeps empty chart responses as [] instead of null.
func orEmpty(data []wire.Message) []wire.Message {
	if data == nil {
		return []wire.Message{}
	}
	return data
}

func orEmptyStrings(data []string) []string {
	if data == nil {
		return []string{}
	}
	return data
}
