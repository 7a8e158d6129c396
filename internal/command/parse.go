package command

import (
	"context"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// Command Registry and Parser
// -------------------------------------------------------------------------

type handlerFunc func(e *Engine, ctx context.Context, kwargs map[string]string, requester string) (string, error)

// commandHandlers is the closed command registry. Aliases map to the
// same handler.
var commandHandlers = map[string]handlerFunc{
	"search":   (*Engine).handleSearch,
	"s":        (*Engine).handleSearch,
	"stats":    (*Engine).handleStats,
	"mheard":   (*Engine).handleMHeard,
	"mh":       (*Engine).handleMHeard,
	"pos":      (*Engine).handlePosition,
	"dice":     (*Engine).handleDice,
	"time":     (*Engine).handleTime,
	"wx":       (*Engine).handleWeather,
	"weather":  (*Engine).handleWeather,
	"group":    (*Engine).handleGroup,
	"userinfo": (*Engine).handleUserinfo,
	"kb":       (*Engine).handleKickBan,
	"topic":    (*Engine).handleTopic,
	"ctcping":  (*Engine).handleCtcping,
	"help":     (*Engine).handleHelp,
}

// parseCommand splits "!cmd arg arg" into the command id and its
// argument map. Arguments are either key:value pairs (keys lowercased)
// or positional, with per-command positional rules. Returns ok=false
// for unknown commands.
func parseCommand(msg string) (string, map[string]string, bool) {
	if !strings.HasPrefix(msg, "!") {
		return "", nil, false
	}

	parts := strings.Fields(msg[1:])
	if len(parts) == 0 {
		return "", nil, false
	}

	cmd := strings.ToLower(parts[0])
	if _, known := commandHandlers[cmd]; !known {
		return "", nil, false
	}

	kwargs := make(map[string]string)
	for _, part := range parts[1:] {
		if key, value, ok := strings.Cut(part, ":"); ok {
			kwargs[strings.ToLower(key)] = value
			continue
		}
		if len(kwargs) > 0 {
			continue
		}
		parsePositional(cmd, part, parts, kwargs)
	}

	return cmd, kwargs, true
}

// parsePositional handles the first positional argument of a command.
// part is the token being looked at; parts is the full token list for
// the commands with multi-token positional grammars.
func parsePositional(cmd, part string, parts []string, kwargs map[string]string) {
	switch cmd {
	case "s", "search", "pos":
		kwargs["call"] = part

	case "stats":
		if _, err := strconv.Atoi(part); err == nil {
			kwargs["hours"] = part
		}

	case "mh", "mheard":
		if _, err := strconv.Atoi(part); err == nil {
			kwargs["limit"] = part
		} else {
			switch lower := strings.ToLower(part); lower {
			case "msg", "pos", "all":
				kwargs["type"] = lower
			}
		}

	case "group":
		kwargs["state"] = part

	case "ctcping":
		// Re-scan for the recognized key:value pairs; everything else
		// (including the positional target handled upstream) is ignored.
		for _, p := range parts[1:] {
			key, value, ok := strings.Cut(p, ":")
			if !ok {
				continue
			}
			switch strings.ToLower(key) {
			case "call":
				kwargs["call"] = strings.ToUpper(value)
			case "payload":
				kwargs["payload"] = value
			case "repeat":
				kwargs["repeat"] = value
			}
		}

	case "topic":
		parseTopicArgs(parts, kwargs)

	case "kb":
		parseKickBanArgs(parts, kwargs)
	}
}

// parseTopicArgs handles "!topic delete GROUP" and
// "!topic GROUP TEXT... [interval:N | N]".
func parseTopicArgs(parts []string, kwargs map[string]string) {
	if len(parts) < 2 {
		return
	}

	if strings.EqualFold(parts[1], "DELETE") && len(parts) >= 3 {
		kwargs["action"] = "delete"
		kwargs["group"] = strings.ToUpper(parts[2])
		return
	}

	kwargs["group"] = strings.ToUpper(parts[1])
	if len(parts) < 3 {
		return
	}

	var textParts []string
	intervalPart := ""
	for _, p := range parts[2:] {
		if strings.HasPrefix(strings.ToLower(p), "interval:") {
			intervalPart = p
			break
		}
		textParts = append(textParts, p)
	}
	if len(textParts) > 0 {
		kwargs["text"] = strings.Join(textParts, " ")
	}

	if intervalPart != "" {
		_, value, _ := strings.Cut(intervalPart, ":")
		if _, err := strconv.Atoi(value); err == nil {
			kwargs["interval"] = value
		}
		return
	}

	// Trailing bare number doubles as the interval.
	last := parts[len(parts)-1]
	if len(parts) >= 4 && isDigits(last) {
		kwargs["interval"] = last
		if len(textParts) > 0 && textParts[len(textParts)-1] == last {
			textParts = textParts[:len(textParts)-1]
			kwargs["text"] = strings.Join(textParts, " ")
		}
	}
}

// parseKickBanArgs handles "!kb LIST|DELALL" and "!kb CALL [DEL]".
func parseKickBanArgs(parts []string, kwargs map[string]string) {
	if len(parts) < 2 {
		return
	}

	first := strings.ToUpper(parts[1])
	if first == "LIST" || first == "DELALL" {
		kwargs["callsign"] = strings.ToLower(first)
		return
	}

	kwargs["callsign"] = first
	if len(parts) >= 3 && strings.EqualFold(parts[2], "DEL") {
		kwargs["action"] = "del"
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
