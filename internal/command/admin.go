package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// -------------------------------------------------------------------------
// Admin Commands: group, kb
// -------------------------------------------------------------------------

// handleGroup shows or toggles whether non-admin group commands are
// answered.
func (e *Engine) handleGroup(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	if !e.isAdmin(requester) {
		return "❌ Admin access required", nil
	}

	switch strings.ToLower(kwargs["state"]) {
	case "":
		state := "OFF"
		if e.GroupResponses() {
			state = "ON"
		}
		return "📢 Group responses: " + state, nil
	case "on":
		e.setGroupResponses(true)
		return "✅ Group responses enabled", nil
	case "off":
		e.setGroupResponses(false)
		return "✅ Group responses disabled", nil
	default:
		return "❌ Usage: !group on|off", nil
	}
}

func (e *Engine) setGroupResponses(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groupResponses = enabled
}

// handleKickBan manages the kick-ban list. Banned callsigns are dropped
// before storage and refused as ping targets.
func (e *Engine) handleKickBan(ctx context.Context, kwargs map[string]string, requester string) (string, error) {
	if !e.isAdmin(requester) {
		return "❌ Admin access required", nil
	}

	call := kwargs["callsign"]
	switch call {
	case "":
		return "❌ Usage: !kb CALL [del] | list | delall", nil

	case "list":
		blocked := e.blockedList()
		if len(blocked) == 0 {
			return "🚫 No blocked callsigns", nil
		}
		return "🚫 Blocked: " + strings.Join(blocked, ", "), nil

	case "delall":
		n := e.clearBlocked()
		return fmt.Sprintf("✅ Removed %d blocked callsign(s)", n), nil
	}

	call = strings.ToUpper(call)

	if kwargs["action"] == "del" {
		if e.unblock(call) {
			return "✅ " + call + " unblocked", nil
		}
		return "ℹ️ " + call + " not blocked", nil
	}

	if call == e.callsign {
		return "❌ Cannot block own callsign", nil
	}
	e.block(call)
	return "🚫 " + call + " blocked", nil
}

func (e *Engine) block(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blockedCallsigns[call] = true
}

func (e *Engine) unblock(call string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.blockedCallsigns[call] {
		return false
	}
	delete(e.blockedCallsigns, call)
	return true
}

func (e *Engine) clearBlocked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.blockedCallsigns)
	e.blockedCallsigns = make(map[string]bool)
	return n
}

func (e *Engine) blockedList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.blockedCallsigns))
	for call := range e.blockedCallsigns {
		out = append(out, call)
	}
	sort.Strings(out)
	return out
}
