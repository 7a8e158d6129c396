package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dk5en/mcapp/internal/command"
)

// Radio-side command queries. These back the search, stats, mheard and
// pos commands and aggregate in Go, matching relay-path callsigns the
// database cannot index.

var _ command.Store = (*Store)(nil)

// SearchActivity aggregates message and position activity for one
// callsign pattern over the last days.
func (s *Store) SearchActivity(ctx context.Context, call string, days int, mode string) (*command.SearchSummary, error) {
	if days < 1 {
		days = 1
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		SELECT src, dst, type, timestamp FROM messages
		WHERE timestamp >= ? ORDER BY timestamp DESC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("search scan: %w", err)
	}
	defer rows.Close()

	call = strings.ToUpper(call)
	prefix := call + "-"

	summary := &command.SearchSummary{}
	sids := make(map[string]int64)
	groups := make(map[string]struct{})

	for rows.Next() {
		var src, dst string
		var msgType sql.NullString
		var timestamp int64
		if err := rows.Scan(&src, &dst, &msgType, &timestamp); err != nil {
			return nil, err
		}

		var matched []string
		switch mode {
		case "prefix":
			for _, part := range strings.Split(strings.ToUpper(src), ",") {
				part = strings.TrimSpace(part)
				if strings.HasPrefix(part, prefix) {
					matched = append(matched, part)
				}
			}
			if len(matched) == 0 {
				continue
			}
		case "exact":
			if !strings.Contains(strings.ToUpper(src), call) {
				continue
			}
			matched = []string{call}
		default: // all
			first, _, _ := strings.Cut(src, ",")
			matched = []string{first}
		}

		if mode == "prefix" {
			for _, m := range matched {
				if _, sid, ok := strings.Cut(m, "-"); ok {
					if last, seen := sids[sid]; !seen || timestamp > last {
						sids[sid] = timestamp
					}
				}
			}
		}

		switch msgType.String {
		case "msg":
			summary.MsgCount++
			if timestamp > summary.LastMsg {
				summary.LastMsg = timestamp
			}
			if isAllDigits(dst) {
				groups[dst] = struct{}{}
			}
		case "pos":
			summary.PosCount++
			if timestamp > summary.LastPos {
				summary.LastPos = timestamp
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for sid, last := range sids {
		summary.SIDs = append(summary.SIDs, command.SIDActivity{SID: sid, LastSeen: last})
	}
	sort.Slice(summary.SIDs, func(i, j int) bool {
		return summary.SIDs[i].LastSeen > summary.SIDs[j].LastSeen
	})

	for g := range groups {
		summary.Groups = append(summary.Groups, g)
	}
	sort.Slice(summary.Groups, func(i, j int) bool {
		a, _ := strconv.Atoi(summary.Groups[i])
		b, _ := strconv.Atoi(summary.Groups[j])
		return a < b
	})

	return summary, nil
}

// ActivityStats counts messages, positions and distinct stations over
// the last hours.
func (s *Store) ActivityStats(ctx context.Context, hours int) (*command.StatsSummary, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()

	rows, err := s.db.QueryContext(ctx,
		"SELECT type, src FROM messages WHERE timestamp >= ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("stats scan: %w", err)
	}
	defer rows.Close()

	stats := &command.StatsSummary{}
	stations := make(map[string]struct{})
	for rows.Next() {
		var msgType sql.NullString
		var src string
		if err := rows.Scan(&msgType, &src); err != nil {
			return nil, err
		}
		switch msgType.String {
		case "msg":
			stats.MsgCount++
			if src != "" {
				first, _, _ := strings.Cut(src, ",")
				stations[first] = struct{}{}
			}
		case "pos":
			stats.PosCount++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.ActiveStations = len(stations)
	return stats, nil
}

// mheardScanLimit bounds the aggregate scan; 4000 recent rows cover
// days of traffic on a busy gateway.
const mheardScanLimit = 4000

// HeardStations aggregates recent traffic per originating station.
func (s *Store) HeardStations(ctx context.Context, limit int, kind string) ([]command.HeardStation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT src, type, timestamp FROM messages
		WHERE type IN ('msg', 'pos') AND src != ''
		ORDER BY timestamp DESC LIMIT ?
	`, mheardScanLimit)
	if err != nil {
		return nil, fmt.Errorf("mheard scan: %w", err)
	}
	defer rows.Close()

	stations := make(map[string]*command.HeardStation)
	for rows.Next() {
		var src, msgType string
		var timestamp int64
		if err := rows.Scan(&src, &msgType, &timestamp); err != nil {
			return nil, err
		}
		call, _, _ := strings.Cut(src, ",")
		if call == "" {
			continue
		}
		st := stations[call]
		if st == nil {
			st = &command.HeardStation{Call: call}
			stations[call] = st
		}
		switch msgType {
		case "msg":
			st.MsgCount++
			if timestamp > st.LastMsg {
				st.LastMsg = timestamp
			}
		case "pos":
			st.PosCount++
			if timestamp > st.LastPos {
				st.LastPos = timestamp
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]command.HeardStation, 0, len(stations))
	for _, st := range stations {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Call < out[j].Call })
	return out, nil
}

// LastPosition returns the most recent stored position for call.
func (s *Store) LastPosition(ctx context.Context, call string, days int) (*command.PositionPoint, error) {
	if days < 1 {
		days = 1
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		SELECT raw_json FROM messages
		WHERE type = 'pos' AND timestamp >= ?
		AND UPPER(src) LIKE ?
		ORDER BY timestamp DESC
	`, cutoff, "%"+strings.ToUpper(call)+"%")
	if err != nil {
		return nil, fmt.Errorf("position scan: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		point, ok := parsePositionJSON(raw.String)
		if ok {
			return point, nil
		}
	}
	return nil, rows.Err()
}

// parsePositionJSON extracts lat/lon/timestamp from a stored raw
// document. Historical rows may carry "long" instead of "lon".
func parsePositionJSON(raw string) (*command.PositionPoint, bool) {
	if raw == "" {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false
	}
	lat, okLat := optFloat(doc["lat"])
	lon, okLon := optFloat(doc["lon"])
	if !okLon {
		lon, okLon = optFloat(doc["long"])
	}
	if !okLat || !okLon || lat == 0 || lon == 0 {
		return nil, false
	}
	return &command.PositionPoint{
		Lat:       lat,
		Lon:       lon,
		Timestamp: asInt64(doc["timestamp"]),
	}, true
}
