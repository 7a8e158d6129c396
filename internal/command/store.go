package command

import "context"

// -------------------------------------------------------------------------
// Storage Surface
// -------------------------------------------------------------------------

// SIDActivity is the most recent activity seen for one SSID of a base
// callsign, used by prefix searches.
type SIDActivity struct {
	SID      string
	LastSeen int64 // ms
}

// SearchSummary aggregates message activity for one callsign pattern.
type SearchSummary struct {
	MsgCount int
	PosCount int
	LastMsg  int64 // ms, 0 when no messages matched
	LastPos  int64 // ms, 0 when no positions matched

	// SIDs is populated for prefix searches only, most recent first.
	SIDs []SIDActivity

	// Groups lists the numeric destinations the matched messages were
	// sent to, ascending.
	Groups []string
}

// StatsSummary is the activity aggregate behind the stats command.
type StatsSummary struct {
	MsgCount       int
	PosCount       int
	ActiveStations int
}

// HeardStation is one station in the mheard aggregate.
type HeardStation struct {
	Call     string
	MsgCount int
	PosCount int
	LastMsg  int64 // ms
	LastPos  int64 // ms
}

// PositionPoint is a stored station position.
type PositionPoint struct {
	Lat       float64
	Lon       float64
	Timestamp int64 // ms
}

// Store is the storage surface the data commands query. All methods are
// read-only.
type Store interface {
	// SearchActivity aggregates activity for call over the last days.
	// mode is "all" (call ignored), "prefix" (match CALL-*) or "exact".
	SearchActivity(ctx context.Context, call string, days int, mode string) (*SearchSummary, error)

	// ActivityStats aggregates message counts over the last hours.
	ActivityStats(ctx context.Context, hours int) (*StatsSummary, error)

	// HeardStations returns per-station activity aggregates. kind is
	// "all", "msg" or "pos"; limit bounds the stations per kind.
	HeardStations(ctx context.Context, limit int, kind string) ([]HeardStation, error)

	// LastPosition returns the most recent position for call within the
	// last days, or nil when none is stored.
	LastPosition(ctx context.Context, call string, days int) (*PositionPoint, error)
}

// WeatherProvider renders the current weather as a LoRa-sized summary.
type WeatherProvider interface {
	Summary(ctx context.Context) (string, error)
}
