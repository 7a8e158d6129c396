package weather_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dk5en/mcapp/internal/weather"
)

const sampleResponse = `{
	"latitude": 48.3, "longitude": 14.29,
	"current": {
		"time": "2026-08-24T12:00",
		"temperature_2m": 21.4,
		"relative_humidity_2m": 55,
		"surface_pressure": 986.2,
		"wind_speed_10m": 12.0,
		"wind_direction_10m": 315,
		"weather_code": 2,
		"precipitation": 0.0
	}
}`

type upstream struct {
	srv   *httptest.Server
	hits  atomic.Int64
	fail  atomic.Bool
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		if u.fail.Load() {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, sampleResponse)
	}))
	t.Cleanup(func() {
		u.srv.Close()
		u.srv.Client().CloseIdleConnections()
	})
	return u
}

func newTestService(t *testing.T, u *upstream, maxAge time.Duration) *weather.Service {
	t.Helper()
	return weather.New(weather.Options{
		StationName: "Linz",
		MaxAge:      maxAge,
		BaseURL:     u.srv.URL,
		Client:      u.srv.Client(),
	})
}

func TestSummaryWaitsForGPS(t *testing.T) {
	u := newUpstream(t)
	s := newTestService(t, u, time.Minute)

	if _, err := s.Summary(context.Background()); err == nil {
		t.Fatal("expected error before GPS fix")
	} else if !strings.Contains(err.Error(), "GPS") {
		t.Errorf("error = %v, want GPS wait", err)
	}
	if u.hits.Load() != 0 {
		t.Errorf("upstream hit %d times before fix, want 0", u.hits.Load())
	}

	// Zero coordinates are not a fix.
	s.SetLocation(0, 0)
	if _, err := s.Summary(context.Background()); err == nil {
		t.Error("expected error after zero-coordinate fix")
	}
}

func TestSummaryFormat(t *testing.T) {
	u := newUpstream(t)
	s := newTestService(t, u, time.Minute)
	s.SetLocation(48.3069, 14.2858)

	got, err := s.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	want := "🌤️ Linz: 21.4°C, 55%, 986hPa, 💨 12km/h NW"
	if got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}
}

func TestCacheAvoidsRefetch(t *testing.T) {
	u := newUpstream(t)
	s := newTestService(t, u, time.Minute)
	s.SetLocation(48.3069, 14.2858)

	for i := 0; i < 3; i++ {
		if _, err := s.Summary(context.Background()); err != nil {
			t.Fatalf("Summary %d: %v", i, err)
		}
	}
	if u.hits.Load() != 1 {
		t.Errorf("upstream hit %d times, want 1 (cached)", u.hits.Load())
	}
}

func TestStaleServedWhenUpstreamDown(t *testing.T) {
	u := newUpstream(t)
	s := newTestService(t, u, time.Millisecond)
	s.SetLocation(48.3069, 14.2858)

	if _, err := s.Summary(context.Background()); err != nil {
		t.Fatalf("first Summary: %v", err)
	}

	u.fail.Store(true)
	time.Sleep(5 * time.Millisecond)

	got, err := s.Summary(context.Background())
	if err != nil {
		t.Fatalf("stale Summary: %v", err)
	}
	if !strings.Contains(got, "21.4°C") {
		t.Errorf("stale summary = %q, want cached conditions", got)
	}
}

func TestDataDocument(t *testing.T) {
	u := newUpstream(t)
	s := newTestService(t, u, time.Minute)
	s.SetLocation(48.3069, 14.2858)

	data, err := s.Data(context.Background())
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	tests := []struct {
		key  string
		want any
	}{
		{"station", "Linz"},
		{"temp", 21.4},
		{"hum", 55.0},
		{"qfe", 986.2},
		{"weather_code", 2},
		{"description", "partly cloudy"},
		{"data_source", "Open-Meteo"},
	}
	for _, tt := range tests {
		if got := data[tt.key]; got != tt.want {
			t.Errorf("data[%s] = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestUpstreamErrorWithoutCache(t *testing.T) {
	u := newUpstream(t)
	u.fail.Store(true)
	s := newTestService(t, u, time.Minute)
	s.SetLocation(48.3069, 14.2858)

	if _, err := s.Summary(context.Background()); err == nil {
		t.Error("expected error when upstream is down with an empty cache")
	}
}
