package command

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Simple Commands: dice, time, help, userinfo, pos, wx
// -------------------------------------------------------------------------

var weekdayGerman = map[time.Weekday]string{
	time.Monday:    "Montag",
	time.Tuesday:   "Dienstag",
	time.Wednesday: "Mittwoch",
	time.Thursday:  "Donnerstag",
	time.Friday:    "Freitag",
	time.Saturday:  "Samstag",
	time.Sunday:    "Sonntag",
}

// handleDice rolls two dice and scores them with Mäxchen rules.
func (e *Engine) handleDice(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	die1 := rand.IntN(6) + 1
	die2 := rand.IntN(6) + 1

	value, description := maexchenValue(die1, die2)
	out := fmt.Sprintf("🎲 %s: [%d][%d] → %s", requester, die1, die2, value)
	if description != "" {
		out += " " + description
	}
	return out, nil
}

// maexchenValue scores a two-dice roll: 21 beats everything, doubles
// beat plain rolls, plain rolls read higher die first.
func maexchenValue(die1, die2 int) (string, string) {
	if (die1 == 2 && die2 == 1) || (die1 == 1 && die2 == 2) {
		return "21", "(Mäxchen! 🏆)"
	}

	if die1 == die2 {
		paschNames := map[int]string{
			6: "Sechser-Pasch",
			5: "Fünfer-Pasch",
			4: "Vierer-Pasch",
			3: "Dreier-Pasch",
			2: "Zweier-Pasch",
			1: "Einser-Pasch",
		}
		return fmt.Sprintf("%d%d", die1, die2), "(" + paschNames[die1] + ")"
	}

	higher, lower := die1, die2
	if lower > higher {
		higher, lower = lower, higher
	}
	return fmt.Sprintf("%d%d", higher, lower), ""
}

// handleTime reports the local time with the German weekday.
func (e *Engine) handleTime(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	now := time.Now()
	return fmt.Sprintf("🕐 %s Uhr, %s, %s",
		now.Format("15:04:05"),
		weekdayGerman[now.Weekday()],
		now.Format("02.01.2006")), nil
}

// handleHelp lists the user-facing commands.
func (e *Engine) handleHelp(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	return "📋 Available commands: " +
		"Search: !search user:CALL days:7, !pos call:CALL | " +
		"Stats: !stats 24, !mheard 5 | " +
		"Weather: !wx | " +
		"Fun: !dice, !time", nil
}

// handleUserinfo returns the configured station info text.
func (e *Engine) handleUserinfo(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	if e.userInfo == "" {
		return "❌ User info not configured", nil
	}
	return e.userInfo, nil
}

// handleWeather returns the cached weather summary for the gateway
// location.
func (e *Engine) handleWeather(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	if e.weather == nil {
		return "", fmt.Errorf("weather service not configured")
	}
	summary, err := e.weather.Summary(ctx)
	if err != nil {
		return "", fmt.Errorf("weather: %w", err)
	}
	return summary, nil
}

// handlePosition reports the latest stored position for a callsign.
func (e *Engine) handlePosition(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	call := upperArg(kwargs, "call")
	days := intArg(kwargs, "days", 7)

	if call == "" {
		return "❌ Callsign required (call:CALLSIGN)", nil
	}
	if e.store == nil {
		return "❌ Message storage not available", nil
	}

	pos, err := e.store.LastPosition(ctx, call, days)
	if err != nil {
		return "", fmt.Errorf("query positions: %w", err)
	}
	if pos == nil {
		return fmt.Sprintf("🔍 No position data for %s in last %d day(s)", call, days), nil
	}

	return fmt.Sprintf("🔍 %s position: %.4f,%.4f (last seen %s)",
		call, pos.Lat, pos.Lon, clockTime(pos.Timestamp)), nil
}

// clockTime renders an ms timestamp as local HH:MM.
func clockTime(ms int64) string {
	return time.UnixMilli(ms).Format("15:04")
}

func upperArg(kwargs map[string]string, key string) string {
	return strings.ToUpper(kwargs[key])
}

// intArg parses a numeric argument, falling back to def on absence or
// garbage.
func intArg(kwargs map[string]string, key string, def int) int {
	v, ok := kwargs[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
