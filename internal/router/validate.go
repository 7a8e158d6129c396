package router

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dk5en/mcapp/internal/wire"
)

// -------------------------------------------------------------------------
// Validator — Normalization and Suppression
// -------------------------------------------------------------------------

var (
	// callsignRE matches a bare destination callsign (DK5EN, DK5EN-12).
	callsignRE = regexp.MustCompile(`^[A-Z0-9]{2,8}(-\d{1,2})?$`)

	// targetRE matches a command target callsign candidate. A valid target
	// additionally needs at least one letter and one digit somewhere in
	// the token, checked separately.
	targetRE = regexp.MustCompile(`^[A-Z0-9]{3,8}(-\d{1,2})?$`)
)

// Commands that never carry a target callsign: their arguments are local
// state, not routing hints.
var noTargetCommands = map[string]bool{
	"GROUP": true,
	"KB":    true,
	"TOPIC": true,
}

// Validator centralizes message normalization, destination validation,
// and the outbound suppression decision for a gateway callsign.
type Validator struct {
	callsign string
}

// NewValidator creates a Validator for the gateway's own callsign.
func NewValidator(callsign string) *Validator {
	return &Validator{callsign: strings.ToUpper(callsign)}
}

// Callsign returns the gateway callsign the validator was built with.
func (v *Validator) Callsign() string {
	return v.callsign
}

// Normalize returns a copy of data with src cut at the first comma and
// uppercased, dst uppercased, and msg uppercased only when it is a
// command. All downstream routing decisions assume normalized data.
func (v *Validator) Normalize(data wire.Message) wire.Message {
	out := make(wire.Message, len(data))
	for k, val := range data {
		out[k] = val
	}

	src := strings.TrimSpace(asString(data["src"]))
	if i := strings.IndexByte(src, ','); i >= 0 {
		src = src[:i]
	}
	src = strings.ToUpper(src)

	dst := strings.ToUpper(strings.TrimSpace(asString(data["dst"])))

	msg := strings.TrimSpace(asString(data["msg"]))
	if strings.HasPrefix(msg, "!") {
		msg = strings.ToUpper(msg)
	}

	out["src"] = src
	out["dst"] = dst
	out["msg"] = msg
	return out
}

// IsCommand reports whether msg is a bot command.
func (v *Validator) IsCommand(msg string) bool {
	return strings.HasPrefix(msg, "!")
}

// IsGroup reports whether dst is a group destination: the special group
// TEST or a numeric group 1-99999.
func (v *Validator) IsGroup(dst string) bool {
	if dst == "" {
		return false
	}
	if strings.EqualFold(dst, "TEST") {
		return true
	}
	n, err := strconv.Atoi(dst)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 99999
}

// IsValidDestination reports whether dst (already uppercase) is a valid
// unicast or group destination. Broadcast destinations ("*", "ALL", "")
// are not valid.
func (v *Validator) IsValidDestination(dst string) bool {
	switch dst {
	case "", "*", "ALL":
		return false
	}
	if callsignRE.MatchString(dst) {
		return true
	}
	return v.IsGroup(dst)
}

// IsSelfMessage reports whether the message is from us to us.
func (v *Validator) IsSelfMessage(src, dst string) bool {
	return src == v.callsign && dst == v.callsign
}

// ExtractTarget extracts the target callsign from a command message.
// Returns "" when the command should execute locally.
//
// Priority:
//  1. Explicit TARGET:CALLSIGN parameter, scanned anywhere in the message.
//     TARGET:LOCAL (or empty) forces local execution.
//  2. Positional fallback: first standalone callsign scanning right to
//     left, skipping key:value tokens.
func (v *Validator) ExtractTarget(msg string) string {
	if !strings.HasPrefix(msg, "!") {
		return ""
	}

	parts := strings.Fields(strings.ToUpper(strings.TrimSpace(msg)))
	if len(parts) < 2 {
		return ""
	}

	if noTargetCommands[parts[0][1:]] {
		return ""
	}

	for _, part := range parts[1:] {
		if potential, ok := strings.CutPrefix(part, "TARGET:"); ok {
			if potential == "LOCAL" || potential == "" {
				return ""
			}
			if isTargetCallsign(potential) {
				return potential
			}
			return ""
		}
	}

	for i := len(parts) - 1; i >= 1; i-- {
		if strings.Contains(parts[i], ":") {
			continue
		}
		if isTargetCallsign(parts[i]) {
			return parts[i]
		}
	}

	return ""
}

// isTargetCallsign reports whether s looks like a real callsign rather
// than a positional argument: 3-8 alphanumerics plus optional SID, with
// at least one letter and one digit.
func isTargetCallsign(s string) bool {
	if !targetRE.MatchString(s) {
		return false
	}
	return strings.ContainsAny(s, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") &&
		strings.ContainsAny(s, "0123456789")
}

// ShouldSuppress decides whether an outbound command should be executed
// locally instead of transmitted to the mesh. Expects normalized data.
//
// Only our own commands are candidates. Invalid destinations always
// suppress; otherwise the command is transmitted exactly when it names
// a target other than ourselves.
func (v *Validator) ShouldSuppress(data wire.Message) bool {
	src := asString(data["src"])
	dst := asString(data["dst"])
	msg := asString(data["msg"])

	if src != v.callsign {
		return false
	}
	if !v.IsCommand(msg) {
		return false
	}
	if !v.IsValidDestination(dst) {
		return true
	}

	target := v.ExtractTarget(msg)
	if target == "" || target == v.callsign {
		return true
	}
	return false
}

// SuppressionReason returns a human-readable reason for the suppression
// decision, for routing logs.
func (v *Validator) SuppressionReason(data wire.Message) string {
	src := asString(data["src"])
	dst := asString(data["dst"])
	msg := asString(data["msg"])

	if src != v.callsign {
		return "not our message (" + src + ")"
	}
	if !v.IsCommand(msg) {
		return "not a command"
	}
	if !v.IsValidDestination(dst) {
		return "invalid destination (" + dst + ")"
	}

	target := v.ExtractTarget(msg)
	if target == "" {
		return "no target, local execution"
	}
	if target == v.callsign {
		return "target is us, local execution"
	}
	return "target is " + target + ", send to mesh"
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
