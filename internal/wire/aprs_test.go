package wire

import (
	"math"
	"testing"
)

func TestParseAPRSPosition(t *testing.T) {
	t.Parallel()

	t.Run("full weather station report", func(t *testing.T) {
		t.Parallel()

		msg := `!4811.22N/01122.33E#/A=001526/B=085/R=232;262/T=22.6/H=42.1/P=940.3/Q=956.9`
		got := ParseAPRSPosition(msg)
		if got == nil {
			t.Fatal("ParseAPRSPosition() = nil, want position")
		}

		wantLat := 48.0 + 11.22/60
		if math.Abs(got["lat"].(float64)-round4(wantLat)) > 1e-9 {
			t.Errorf("lat = %v, want %v", got["lat"], round4(wantLat))
		}
		wantLon := 11.0 + 22.33/60
		if math.Abs(got["lon"].(float64)-round4(wantLon)) > 1e-9 {
			t.Errorf("lon = %v, want %v", got["lon"], round4(wantLon))
		}
		if got["aprs_symbol"] != "#" {
			t.Errorf("aprs_symbol = %v, want #", got["aprs_symbol"])
		}
		if got["aprs_symbol_group"] != "/" {
			t.Errorf("aprs_symbol_group = %v, want /", got["aprs_symbol_group"])
		}
		if got["alt"] != int(math.Round(1526*0.3048)) {
			t.Errorf("alt = %v, want %d", got["alt"], int(math.Round(1526*0.3048)))
		}
		if got["batt"] != 85 {
			t.Errorf("batt = %v, want 85", got["batt"])
		}
		if got["group_0"] != 232 || got["group_1"] != 262 {
			t.Errorf("groups = %v/%v, want 232/262", got["group_0"], got["group_1"])
		}
		if got["temp1"] != 22.6 || got["hum"] != 42.1 || got["qfe"] != 940.3 || got["qnh"] != 956.9 {
			t.Errorf("weather fields = %v/%v/%v/%v", got["temp1"], got["hum"], got["qfe"], got["qnh"])
		}
	})

	t.Run("southern western hemisphere", func(t *testing.T) {
		t.Parallel()

		got := ParseAPRSPosition(`!3412.50S/05830.00W&`)
		if got == nil {
			t.Fatal("ParseAPRSPosition() = nil, want position")
		}
		if got["lat"].(float64) >= 0 {
			t.Errorf("lat = %v, want negative", got["lat"])
		}
		if got["lon"].(float64) >= 0 {
			t.Errorf("lon = %v, want negative", got["lon"])
		}
	})

	t.Run("missing symbol falls back to question mark", func(t *testing.T) {
		t.Parallel()

		got := ParseAPRSPosition(`!4811.22N/01122.33E`)
		if got == nil {
			t.Fatal("ParseAPRSPosition() = nil, want position")
		}
		if got["aprs_symbol"] != "?" {
			t.Errorf("aprs_symbol = %v, want ?", got["aprs_symbol"])
		}
	})

	t.Run("not a position", func(t *testing.T) {
		t.Parallel()

		if got := ParseAPRSPosition("hello there"); got != nil {
			t.Errorf("ParseAPRSPosition() = %v, want nil", got)
		}
	})
}

func TestParseAPRSTelemetry(t *testing.T) {
	t.Parallel()

	t.Run("full telemetry", func(t *testing.T) {
		t.Parallel()

		got := ParseAPRSTelemetry("T#042,940.3,22.6,42.1,956.9,412.0,00000000")
		if got == nil {
			t.Fatal("ParseAPRSTelemetry() = nil, want telemetry")
		}
		if got["tele_seq"] != 42 {
			t.Errorf("tele_seq = %v, want 42", got["tele_seq"])
		}
		if got["qfe"] != 940.3 || got["temp1"] != 22.6 || got["hum"] != 42.1 || got["qnh"] != 956.9 {
			t.Errorf("values = %v/%v/%v/%v", got["qfe"], got["temp1"], got["hum"], got["qnh"])
		}
		if got["co2"] != 412 {
			t.Errorf("co2 = %v, want 412", got["co2"])
		}
	})

	t.Run("zero co2 omitted", func(t *testing.T) {
		t.Parallel()

		got := ParseAPRSTelemetry("T#001,940.3,22.6,42.1,956.9,0.0,0")
		if got == nil {
			t.Fatal("ParseAPRSTelemetry() = nil, want telemetry")
		}
		if _, ok := got["co2"]; ok {
			t.Errorf("co2 present for zero reading: %v", got["co2"])
		}
	})

	t.Run("not telemetry", func(t *testing.T) {
		t.Parallel()

		if got := ParseAPRSTelemetry("!4811.22N/01122.33E#"); got != nil {
			t.Errorf("ParseAPRSTelemetry() = %v, want nil", got)
		}
	})
}

func TestSplitPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    string
		own     string
		wantSrc string
		wantVia string
	}{
		{
			name:    "direct neighbor",
			path:    "DL8DD-7,DK5EN-99>",
			own:     "DK5EN-99",
			wantSrc: "DL8DD-7",
			wantVia: "DL8DD-7",
		},
		{
			name:    "two relays",
			path:    "DO7TW-1,DB0FHR-12,DK5EN-99>",
			own:     "DK5EN-99",
			wantSrc: "DO7TW-1",
			wantVia: "DO7TW-1,DB0FHR-12",
		},
		{
			name:    "own callsign case-insensitive",
			path:    "DL8DD-7,dk5en-99>",
			own:     "DK5EN-99",
			wantSrc: "DL8DD-7",
			wantVia: "DL8DD-7",
		},
		{
			name:    "no own callsign filter",
			path:    "DL8DD-7,DB0FHR-12>",
			own:     "",
			wantSrc: "DL8DD-7",
			wantVia: "DL8DD-7,DB0FHR-12",
		},
		{
			name:    "path is only ourselves",
			path:    "DK5EN-99>",
			own:     "DK5EN-99",
			wantSrc: "DK5EN-99",
			wantVia: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src, via := SplitPath(tt.path, tt.own)
			if src != tt.wantSrc {
				t.Errorf("src = %q, want %q", src, tt.wantSrc)
			}
			if via != tt.wantVia {
				t.Errorf("via = %q, want %q", via, tt.wantVia)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	t.Run("text frame", func(t *testing.T) {
		t.Parallel()

		raw := EncodeText(TextFrame{MsgID: 7, Src: "DL8DD-7", Dst: "232", Msg: "hi", MaxHop: 3})
		f, a, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode() error: %v", err)
		}

		got := Dispatch(f, a, "DK5EN-99")
		if got["type"] != "msg" {
			t.Errorf("type = %v, want msg", got["type"])
		}
		if got["src"] != "DL8DD-7" {
			t.Errorf("src = %v, want DL8DD-7", got["src"])
		}
		if got["dst"] != "232" {
			t.Errorf("dst = %v, want 232", got["dst"])
		}
		if got["msg"] != "hi" {
			t.Errorf("msg = %v, want hi (leading colon stripped)", got["msg"])
		}
		if got["msg_id"] != "00000007" {
			t.Errorf("msg_id = %v, want 00000007", got["msg_id"])
		}
	})

	t.Run("telemetry routed by body prefix", func(t *testing.T) {
		t.Parallel()

		f := &Frame{PayloadType: PayloadPos, MsgID: 9, Path: "DK5EN-12>", Message: "T#001,940.3,22.6,42.1,956.9,0.0,0"}
		got := Dispatch(f, nil, "DK5EN-99")
		if got["type"] != "tele" {
			t.Errorf("type = %v, want tele", got["type"])
		}
		if got["qfe"] != 940.3 {
			t.Errorf("qfe = %v, want 940.3", got["qfe"])
		}
	})

	t.Run("mheard register", func(t *testing.T) {
		t.Parallel()

		got := DispatchJSON(map[string]any{
			"TYP": "MH", "CALL": "OE1ABC-1", "RSSI": -97.0, "SNR": 5.5,
			"DATE": "2026-08-24", "TIME": "10:00:00", "HW": 11.0, "MOD": 3.0, "MESH": 1.0,
		})
		if got == nil {
			t.Fatal("DispatchJSON() = nil for MH register")
		}
		if got["type"] != "pos" || got["src"] != "OE1ABC-1" {
			t.Errorf("type/src = %v/%v, want pos/OE1ABC-1", got["type"], got["src"])
		}
	})

	t.Run("unknown register", func(t *testing.T) {
		t.Parallel()

		if got := DispatchJSON(map[string]any{"TYP": "XX"}); got != nil {
			t.Errorf("DispatchJSON() = %v, want nil", got)
		}
	})
}
