// Package weather serves current conditions for the gateway location
// from the Open-Meteo forecast API. The location comes from the node's
// GPS; until the first fix arrives every query reports that it is
// waiting. Responses are cached so mesh-side !wx requests and the web
// API share one upstream fetch per cache period.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dk5en/mcapp/internal/wire"
)

const (
	defaultBaseURL = "https://api.open-meteo.com/v1/forecast"
	defaultMaxAge  = 30 * time.Minute

	fetchTimeout = 10 * time.Second
)

// ErrNoFix is returned until the node reports a GPS position.
var ErrNoFix = errors.New("waiting for GPS fix")

// Options configures a Service.
type Options struct {
	// StationName labels the summary, e.g. "Linz". Falls back to the
	// coordinates when empty.
	StationName string

	// MaxAge is the cache lifetime; zero means 30 minutes.
	MaxAge time.Duration

	// BaseURL overrides the Open-Meteo endpoint, for tests.
	BaseURL string

	Client *http.Client
	Log    *slog.Logger
}

// Service fetches and caches current weather conditions.
type Service struct {
	name    string
	maxAge  time.Duration
	baseURL string
	client  *http.Client
	log     *slog.Logger

	mu        sync.Mutex
	lat, lon  float64
	hasFix    bool
	cached    *conditions
	fetchedAt time.Time
}

// conditions is one upstream observation.
type conditions struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
	WindSpeed   float64
	WindDir     float64
	Code        int
	Rain        float64
}

// New returns a Service with no location; feed it via SetLocation.
func New(opts Options) *Service {
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: fetchTimeout}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Service{
		name:    opts.StationName,
		maxAge:  opts.MaxAge,
		baseURL: opts.BaseURL,
		client:  opts.Client,
		log:     opts.Log.With("component", "weather"),
	}
}

// SetLocation updates the gateway position. Zero coordinates are
// ignored; the node emits those while the GPS is still searching.
func (s *Service) SetLocation(lat, lon float64) {
	if lat == 0 && lon == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFix {
		s.log.Info("location acquired", "lat", lat, "lon", lon)
	}
	s.lat, s.lon = lat, lon
	s.hasFix = true
}

// Summary returns the LoRa-formatted current conditions, fit for a
// single chunked response on the mesh.
func (s *Service) Summary(ctx context.Context) (string, error) {
	cond, _, err := s.current(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	name := s.name
	lat, lon := s.lat, s.lon
	s.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("%.2f,%.2f", lat, lon)
	}

	return fmt.Sprintf("%s %s: %.1f°C, %.0f%%, %.0fhPa, 💨 %.0fkm/h %s",
		codeEmoji(cond.Code), name, cond.Temperature, cond.Humidity,
		cond.Pressure, cond.WindSpeed, compass(cond.WindDir)), nil
}

// Data returns the full weather document for the web API.
func (s *Service) Data(ctx context.Context) (wire.Message, error) {
	cond, age, err := s.current(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	name := s.name
	lat, lon := s.lat, s.lon
	s.mu.Unlock()

	return wire.Message{
		"station":          name,
		"lat":              lat,
		"lon":              lon,
		"temp":             cond.Temperature,
		"hum":              cond.Humidity,
		"qfe":              cond.Pressure,
		"wind_speed":       cond.WindSpeed,
		"wind_dir":         cond.WindDir,
		"weather_code":     cond.Code,
		"description":      codeText(cond.Code),
		"precipitation":    cond.Rain,
		"data_source":      "Open-Meteo",
		"data_age_minutes": age.Minutes(),
	}, nil
}

// current serves the cache when fresh, refetches when stale, and falls
// back to the stale value if the upstream is down.
func (s *Service) current(ctx context.Context) (*conditions, time.Duration, error) {
	s.mu.Lock()
	if !s.hasFix {
		s.mu.Unlock()
		return nil, 0, ErrNoFix
	}
	lat, lon := s.lat, s.lon
	cached, fetchedAt := s.cached, s.fetchedAt
	s.mu.Unlock()

	if cached != nil && time.Since(fetchedAt) < s.maxAge {
		return cached, time.Since(fetchedAt), nil
	}

	cond, err := s.fetch(ctx, lat, lon)
	if err != nil {
		if cached != nil {
			s.log.Warn("upstream fetch failed, serving stale data",
				"error", err, "age", time.Since(fetchedAt))
			return cached, time.Since(fetchedAt), nil
		}
		return nil, 0, fmt.Errorf("fetch weather: %w", err)
	}

	s.mu.Lock()
	s.cached = cond
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return cond, 0, nil
}

func (s *Service) fetch(ctx context.Context, lat, lon float64) (*conditions, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", lat))
	q.Set("longitude", fmt.Sprintf("%.4f", lon))
	q.Set("current", "temperature_2m,relative_humidity_2m,surface_pressure,"+
		"wind_speed_10m,wind_direction_10m,weather_code,precipitation")
	q.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	var payload struct {
		Current struct {
			Temperature float64 `json:"temperature_2m"`
			Humidity    float64 `json:"relative_humidity_2m"`
			Pressure    float64 `json:"surface_pressure"`
			WindSpeed   float64 `json:"wind_speed_10m"`
			WindDir     float64 `json:"wind_direction_10m"`
			Code        int     `json:"weather_code"`
			Rain        float64 `json:"precipitation"`
		} `json:"current"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	c := payload.Current
	s.log.Debug("weather fetched", "temp", c.Temperature, "code", c.Code)
	return &conditions{
		Temperature: c.Temperature,
		Humidity:    c.Humidity,
		Pressure:    c.Pressure,
		WindSpeed:   c.WindSpeed,
		WindDir:     c.WindDir,
		Code:        c.Code,
		Rain:        c.Rain,
	}, nil
}

// -------------------------------------------------------------------------
// WMO Weather Codes
// -------------------------------------------------------------------------

func codeEmoji(code int) string {
	switch {
	case code == 0:
		return "☀️"
	case code <= 2:
		return "🌤️"
	case code == 3:
		return "☁️"
	case code <= 48:
		return "🌫️"
	case code <= 67:
		return "🌧️"
	case code <= 77:
		return "🌨️"
	case code <= 82:
		return "🌦️"
	case code <= 86:
		return "🌨️"
	default:
		return "⛈️"
	}
}

func codeText(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 2:
		return "partly cloudy"
	case code == 3:
		return "overcast"
	case code <= 48:
		return "fog"
	case code <= 57:
		return "drizzle"
	case code <= 67:
		return "rain"
	case code <= 77:
		return "snow"
	case code <= 82:
		return "rain showers"
	case code <= 86:
		return "snow showers"
	default:
		return "thunderstorm"
	}
}

var compassPoints = []string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

func compass(deg float64) string {
	idx := int((deg+11.25)/22.5) % 16
	if idx < 0 {
		idx += 16
	}
	return compassPoints[idx]
}
