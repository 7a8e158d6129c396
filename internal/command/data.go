package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// -------------------------------------------------------------------------
// Data Commands: search, stats, mheard
// -------------------------------------------------------------------------

// handleSearch summarizes activity for a callsign pattern: counts, last
// seen times, SSIDs and group destinations.
func (e *Engine) handleSearch(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	user := kwargs["call"]
	if user == "" {
		user = "*"
	}
	days := intArg(kwargs, "days", 1)

	if e.store == nil {
		return "❌ Message storage not available", nil
	}

	var mode, displayCall string
	switch {
	case user != "*" && !strings.Contains(user, "-"):
		// Bare base callsign matches every SSID.
		mode = "prefix"
		displayCall = strings.ToUpper(user) + "-*"
	case user != "*":
		mode = "exact"
		displayCall = strings.ToUpper(user)
	default:
		mode = "all"
		displayCall = "*"
	}

	summary, err := e.store.SearchActivity(ctx, strings.ToUpper(user), days, mode)
	if err != nil {
		return "", fmt.Errorf("search messages: %w", err)
	}

	if summary.MsgCount == 0 && summary.PosCount == 0 {
		return fmt.Sprintf("🔍 No activity for %s in last %d day(s)", displayCall, days), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔍 %s (%dd): ", displayCall, days)

	if summary.MsgCount > 0 {
		fmt.Fprintf(&b, "%d msg (last %s)", summary.MsgCount, clockTime(summary.LastMsg))
	}
	if summary.MsgCount > 0 && summary.PosCount > 0 {
		b.WriteString(" / ")
	}
	if summary.PosCount > 0 {
		fmt.Fprintf(&b, "%d pos (last %s)", summary.PosCount, clockTime(summary.LastPos))
	}

	if mode == "prefix" && len(summary.SIDs) > 0 {
		sids := make([]string, 0, len(summary.SIDs))
		for _, sid := range summary.SIDs {
			sids = append(sids, fmt.Sprintf("-%s @%s", sid.SID, clockTime(sid.LastSeen)))
		}
		fmt.Fprintf(&b, " / SIDs: %s", strings.Join(sids, ", "))
	}

	if len(summary.Groups) > 0 {
		fmt.Fprintf(&b, " / Groups: %s", strings.Join(summary.Groups, ","))
	}

	return b.String(), nil
}

// handleStats reports message volume over a time window.
func (e *Engine) handleStats(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	hours := intArg(kwargs, "hours", 24)

	if e.store == nil {
		return "❌ Message storage not available", nil
	}

	stats, err := e.store.ActivityStats(ctx, hours)
	if err != nil {
		return "", fmt.Errorf("query stats: %w", err)
	}

	total := stats.MsgCount + stats.PosCount
	divisor := hours
	if divisor < 1 {
		divisor = 1
	}
	avgPerHour := float64(total) / float64(divisor)

	return fmt.Sprintf("📊 Stats (last %dh): Messages: %d, Positions: %d, Total: %d (%.1f/h), Active stations: %d",
		hours, stats.MsgCount, stats.PosCount, total, avgPerHour, stats.ActiveStations), nil
}

// handleMHeard lists the most recently heard stations, optionally
// filtered to message or position traffic.
func (e *Engine) handleMHeard(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	limit := intArg(kwargs, "limit", 5)
	kind := strings.ToLower(kwargs["type"])
	if kind == "" {
		kind = "all"
	}

	if e.store == nil {
		return "❌ Message storage not available", nil
	}

	stations, err := e.store.HeardStations(ctx, limit, kind)
	if err != nil {
		return "", fmt.Errorf("query mheard: %w", err)
	}

	var lines []string

	if kind == "all" || kind == "msg" {
		if entries := heardEntries(stations, limit, func(s HeardStation) (int, int64) {
			return s.MsgCount, s.LastMsg
		}); len(entries) > 0 {
			lines = append(lines, "📻 MH: 💬 "+strings.Join(entries, " | "))
		}
	}
	if kind == "all" || kind == "pos" {
		if entries := heardEntries(stations, limit, func(s HeardStation) (int, int64) {
			return s.PosCount, s.LastPos
		}); len(entries) > 0 {
			lines = append(lines, "      📍 "+strings.Join(entries, " | "))
		}
	}

	switch len(lines) {
	case 0:
		return "📻 No activity found", nil
	case 1:
		return lines[0], nil
	default:
		// Pad the first line to a chunk boundary so the position line
		// starts on the second radio message.
		padding := 138 - len(lines[0])
		if padding < 0 {
			padding = 0
		}
		return lines[0] + strings.Repeat(" ", padding) + ", " + lines[1], nil
	}
}

// heardEntries formats the top stations for one traffic kind, most
// recent first.
func heardEntries(stations []HeardStation, limit int, pick func(HeardStation) (int, int64)) []string {
	type entry struct {
		call  string
		count int
		last  int64
	}

	var active []entry
	for _, s := range stations {
		count, last := pick(s)
		if count > 0 {
			active = append(active, entry{call: s.Call, count: count, last: last})
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].last > active[j].last })

	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}
	out := make([]string, 0, len(active))
	for _, a := range active {
		out = append(out, fmt.Sprintf("%s @%s (%d)", a.call, clockTime(a.last), a.count))
	}
	return out
}
