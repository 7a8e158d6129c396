package command

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/wire"
)

// -------------------------------------------------------------------------
// Topic Beacons
// -------------------------------------------------------------------------

// beacon is one periodic group announcement.
type beacon struct {
	group    string
	text     string
	interval int // minutes, as configured
	cancel   context.CancelFunc
	done     chan struct{}
	started  time.Time
}

// handleTopic manages group beacons: list, start, replace and delete.
func (e *Engine) handleTopic(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	if !e.isAdmin(requester) {
		return "❌ Admin access required", nil
	}

	if len(kwargs) == 0 {
		return e.listBeacons(), nil
	}

	if kwargs["action"] == "delete" {
		group := kwargs["group"]
		if group == "" {
			return "❌ Group required for delete", nil
		}
		if !e.validator.IsGroup(group) {
			return "❌ Invalid group format", nil
		}
		if !e.stopBeacon(group) {
			return fmt.Sprintf("ℹ️ No beacon active for group %s", group), nil
		}
		return fmt.Sprintf("✅ Beacon stopped for group %s", group), nil
	}

	group := kwargs["group"]
	text := kwargs["text"]

	if group == "" {
		return "❌ Group required", nil
	}
	if !e.validator.IsGroup(group) {
		return "❌ Invalid group format (use digits 1-99999 or TEST)", nil
	}
	if text == "" {
		return "❌ Beacon text required", nil
	}
	if len([]rune(text)) > 120 {
		return "❌ Beacon text too long (max 120 chars)", nil
	}

	interval := 30
	if raw, ok := kwargs["interval"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return "❌ Invalid interval format", nil
		}
		interval = n
	}
	if interval < 1 || interval > 1440 {
		return "❌ Interval must be between 1 and 1440 minutes", nil
	}

	e.stopBeacon(group)
	e.startBeacon(group, text, interval)

	return fmt.Sprintf("✅ Beacon started for group %s: '%s' every %dmin",
		group, previewText(text, 50), interval), nil
}

// listBeacons renders the active beacon table.
func (e *Engine) listBeacons() string {
	e.beaconMu.Lock()
	defer e.beaconMu.Unlock()

	if len(e.activeBeacons) == 0 {
		return "📡 No active beacon topics"
	}

	groups := make([]string, 0, len(e.activeBeacons))
	for group := range e.activeBeacons {
		groups = append(groups, group)
	}
	sort.Strings(groups)

	info := make([]string, 0, len(groups))
	for _, group := range groups {
		b := e.activeBeacons[group]
		info = append(info, fmt.Sprintf("Group %s: '%s' every %dmin",
			group, previewText(b.text, 30), b.interval))
	}
	return "📡 Active beacons: " + strings.Join(info, " | ")
}

// startBeacon launches the beacon loop for a group.
func (e *Engine) startBeacon(group, text string, intervalMinutes int) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	b := &beacon{
		group:    group,
		text:     text,
		interval: intervalMinutes,
		cancel:   cancel,
		done:     make(chan struct{}),
		started:  time.Now(),
	}

	e.beaconMu.Lock()
	e.activeBeacons[group] = b
	e.beaconMu.Unlock()

	period := time.Duration(intervalMinutes)*e.timing.BeaconUnit - e.timing.BeaconLead
	if period < e.timing.BeaconFloor {
		period = e.timing.BeaconFloor
	}

	e.baseGroup.Add(1)
	go func() {
		defer e.baseGroup.Done()
		defer close(b.done)
		e.beaconLoop(ctx, group, text, period)
	}()

	e.log.Info("beacon started", "group", group, "period", period)
}

// beaconLoop publishes the beacon text to the group every period until
// cancelled.
func (e *Engine) beaconLoop(ctx context.Context, group, text string, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e.bus.Publish(ctx, "beacon", router.TopicUDPMessage, wire.Message{
			"dst":      group,
			"msg":      "📡 " + text,
			"src_type": "beacon",
			"type":     "msg",
		})
		e.log.Debug("beacon sent", "group", group)
	}
}

// stopBeacon cancels and joins a group's beacon. Reports whether one
// was running.
func (e *Engine) stopBeacon(group string) bool {
	e.beaconMu.Lock()
	b, ok := e.activeBeacons[group]
	if ok {
		delete(e.activeBeacons, group)
	}
	e.beaconMu.Unlock()

	if !ok {
		return false
	}
	b.cancel()
	<-b.done
	e.log.Info("beacon stopped", "group", group)
	return true
}

// stopAllBeacons cancels every beacon, used on shutdown.
func (e *Engine) stopAllBeacons() {
	e.beaconMu.Lock()
	groups := make([]string, 0, len(e.activeBeacons))
	for group := range e.activeBeacons {
		groups = append(groups, group)
	}
	e.beaconMu.Unlock()

	for _, group := range groups {
		e.stopBeacon(group)
	}
}

// previewText truncates text to n runes with an ellipsis.
func previewText(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}
