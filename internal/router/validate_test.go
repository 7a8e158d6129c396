package router_test

import (
	"testing"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/wire"
)

const ownCallsign = "DK5EN-99"

func TestNormalize(t *testing.T) {
	t.Parallel()

	v := router.NewValidator(ownCallsign)

	tests := []struct {
		name    string
		in      wire.Message
		wantSrc string
		wantDst string
		wantMsg string
	}{
		{
			name:    "path src cut at comma and uppercased",
			in:      wire.Message{"src": "dl8dd-7,DB0FHR-12", "dst": "232", "msg": "hello"},
			wantSrc: "DL8DD-7",
			wantDst: "232",
			wantMsg: "hello",
		},
		{
			name:    "command uppercased",
			in:      wire.Message{"src": "oe5hwn-12", "dst": "test", "msg": "!wx target:dk5en-99"},
			wantSrc: "OE5HWN-12",
			wantDst: "TEST",
			wantMsg: "!WX TARGET:DK5EN-99",
		},
		{
			name:    "plain text keeps case",
			in:      wire.Message{"src": "DL8DD-7", "dst": "dk5en-99", "msg": "Guten Morgen"},
			wantSrc: "DL8DD-7",
			wantDst: "DK5EN-99",
			wantMsg: "Guten Morgen",
		},
		{
			name:    "whitespace trimmed",
			in:      wire.Message{"src": " dl8dd-7 ", "dst": " 20 ", "msg": "  hi  "},
			wantSrc: "DL8DD-7",
			wantDst: "20",
			wantMsg: "hi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := v.Normalize(tt.in)
			if got["src"] != tt.wantSrc {
				t.Errorf("src = %q, want %q", got["src"], tt.wantSrc)
			}
			if got["dst"] != tt.wantDst {
				t.Errorf("dst = %q, want %q", got["dst"], tt.wantDst)
			}
			if got["msg"] != tt.wantMsg {
				t.Errorf("msg = %q, want %q", got["msg"], tt.wantMsg)
			}
		})
	}
}

func TestIsGroup(t *testing.T) {
	t.Parallel()

	v := router.NewValidator(ownCallsign)

	tests := []struct {
		dst  string
		want bool
	}{
		{"TEST", true},
		{"20", true},
		{"1", true},
		{"99999", true},
		{"0", false},
		{"100000", false},
		{"DK5EN-99", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := v.IsGroup(tt.dst); got != tt.want {
			t.Errorf("IsGroup(%q) = %v, want %v", tt.dst, got, tt.want)
		}
	}
}

func TestIsValidDestination(t *testing.T) {
	t.Parallel()

	v := router.NewValidator(ownCallsign)

	tests := []struct {
		dst  string
		want bool
	}{
		{"DK5EN-99", true},
		{"OE1ABC", true},
		{"20", true},
		{"TEST", true},
		{"*", false},
		{"ALL", false},
		{"", false},
		{"THIS-IS-NO-CALL", false},
	}

	for _, tt := range tests {
		if got := v.IsValidDestination(tt.dst); got != tt.want {
			t.Errorf("IsValidDestination(%q) = %v, want %v", tt.dst, got, tt.want)
		}
	}
}

func TestExtractTarget(t *testing.T) {
	t.Parallel()

	v := router.NewValidator(ownCallsign)

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{name: "no args", msg: "!WX", want: ""},
		{name: "positional callsign", msg: "!WX OE5HWN-12", want: "OE5HWN-12"},
		{name: "explicit target", msg: "!WX TARGET:OE5HWN-12", want: "OE5HWN-12"},
		{name: "explicit local", msg: "!WX TARGET:LOCAL", want: ""},
		{name: "invalid explicit target wins over positional", msg: "!WX TARGET:X OE5HWN-12", want: ""},
		{name: "rightmost positional wins", msg: "!SEARCH OE1ABC-1 OE5HWN-12", want: "OE5HWN-12"},
		{name: "key value tokens skipped", msg: "!SEARCH CALL:OE1ABC-1", want: ""},
		{name: "digits only is not a callsign", msg: "!STATS 24", want: ""},
		{name: "letters only is not a callsign", msg: "!WX MSG", want: ""},
		{name: "group command never has a target", msg: "!GROUP OE5HWN-12", want: ""},
		{name: "kb command never has a target", msg: "!KB OE5HWN-12", want: ""},
		{name: "not a command", msg: "hello OE5HWN-12", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := v.ExtractTarget(tt.msg); got != tt.want {
				t.Errorf("ExtractTarget(%q) = %q, want %q", tt.msg, got, tt.want)
			}
		})
	}
}

func TestShouldSuppress(t *testing.T) {
	t.Parallel()

	v := router.NewValidator(ownCallsign)

	tests := []struct {
		name string
		src  string
		dst  string
		msg  string
		want bool
	}{
		{name: "group without target executes locally", src: ownCallsign, dst: "20", msg: "!WX", want: true},
		{name: "group with remote target is transmitted", src: ownCallsign, dst: "20", msg: "!WX OE5HWN-12", want: false},
		{name: "group with our target executes locally", src: ownCallsign, dst: "20", msg: "!WX " + ownCallsign, want: true},
		{name: "test group without target executes locally", src: ownCallsign, dst: "TEST", msg: "!WX", want: true},
		{name: "test group with remote target is transmitted", src: ownCallsign, dst: "TEST", msg: "!WX OE5HWN-12", want: false},
		{name: "direct without target executes locally", src: ownCallsign, dst: "OE5HWN-12", msg: "!TIME", want: true},
		{name: "direct with matching target is transmitted", src: ownCallsign, dst: "OE5HWN-12", msg: "!TIME OE5HWN-12", want: false},
		{name: "direct with our target executes locally", src: ownCallsign, dst: "OE5HWN-12", msg: "!TIME " + ownCallsign, want: true},
		{name: "broadcast star is suppressed", src: ownCallsign, dst: "*", msg: "!WX", want: true},
		{name: "broadcast all is suppressed", src: ownCallsign, dst: "ALL", msg: "!WX", want: true},
		{name: "foreign message is never suppressed", src: "OE5HWN-12", dst: "20", msg: "!WX", want: false},
		{name: "plain text is never suppressed", src: ownCallsign, dst: "20", msg: "good morning", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := wire.Message{"src": tt.src, "dst": tt.dst, "msg": tt.msg}
			if got := v.ShouldSuppress(data); got != tt.want {
				t.Errorf("ShouldSuppress(src=%q dst=%q msg=%q) = %v, want %v\nreason: %s",
					tt.src, tt.dst, tt.msg, got, tt.want, v.SuppressionReason(data))
			}
		})
	}
}
