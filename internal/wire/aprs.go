package wire

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// APRS Position
// -------------------------------------------------------------------------

var (
	aprsPosRE  = regexp.MustCompile(`^!(\d{2})(\d{2}\.\d{2})([NS])([/\\])(\d{3})(\d{2}\.\d{2})([EW])([ -~]?)`)
	aprsAltRE  = regexp.MustCompile(`/A=(\d{6})`)
	aprsBattRE = regexp.MustCompile(`/B=(\d{3})`)
	aprsGrpRE  = regexp.MustCompile(`/R=((?:\d{1,5};?){1,6})`)
	aprsTeleRE = regexp.MustCompile(`^T#(\d+),([\d.]+),([\d.]+),([\d.]+),([\d.]+),([\d.]+),(\d+)`)

	aprsWeatherREs = map[string]*regexp.Regexp{
		"temp1": regexp.MustCompile(`/T=([\d.]+)`),
		"hum":   regexp.MustCompile(`/H=([\d.]+)`),
		"qfe":   regexp.MustCompile(`/P=([\d.]+)`),
		"qnh":   regexp.MustCompile(`/Q=([\d.]+)`),
	}
)

// ParseAPRSPosition parses an APRS position body ("!4811.22N/01122.33E...").
// Returns nil if the body is not a position report. Optional fields
// (altitude in feet, battery, group memberships, weather readings) are
// added when present.
func ParseAPRSPosition(message string) map[string]any {
	m := aprsPosRE.FindStringSubmatch(message)
	if m == nil {
		return nil
	}

	latDeg, _ := strconv.Atoi(m[1])
	latMin, _ := strconv.ParseFloat(m[2], 64)
	lonDeg, _ := strconv.Atoi(m[5])
	lonMin, _ := strconv.ParseFloat(m[6], 64)

	lat := float64(latDeg) + latMin/60
	lon := float64(lonDeg) + lonMin/60
	if m[3] == "S" {
		lat = -lat
	}
	if m[7] == "W" {
		lon = -lon
	}

	symbol := m[8]
	if symbol == "" {
		symbol = "?"
	}

	result := map[string]any{
		"transformer2":      "APRS",
		"lat":               round4(lat),
		"lon":               round4(lon),
		"aprs_symbol":       symbol,
		"aprs_symbol_group": m[4],
	}

	if am := aprsAltRE.FindStringSubmatch(message); am != nil {
		feet, _ := strconv.Atoi(am[1])
		result["alt"] = int(math.Round(float64(feet) * 0.3048))
	}

	if bm := aprsBattRE.FindStringSubmatch(message); bm != nil {
		batt, _ := strconv.Atoi(bm[1])
		result["batt"] = batt
	}

	if gm := aprsGrpRE.FindStringSubmatch(message); gm != nil {
		for i, g := range strings.Split(gm[1], ";") {
			if n, err := strconv.Atoi(g); err == nil {
				result["group_"+strconv.Itoa(i)] = n
			}
		}
	}

	// Weather stations append /T /H /P /Q readings to the position body.
	for field, re := range aprsWeatherREs {
		if wm := re.FindStringSubmatch(message); wm != nil {
			if v, err := strconv.ParseFloat(wm[1], 64); err == nil {
				result[field] = v
			}
		}
	}

	return result
}

// ParseAPRSTelemetry parses an APRS T# telemetry body.
//
// Format: T#seq,v1,v2,v3,v4,v5,bits.
// MeshCom convention: v1=qfe, v2=temp1, v3=hum, v4=qnh, v5=co2.
func ParseAPRSTelemetry(message string) map[string]any {
	m := aprsTeleRE.FindStringSubmatch(message)
	if m == nil {
		return nil
	}

	seq, _ := strconv.Atoi(m[1])
	result := map[string]any{"tele_seq": seq}

	parse := func(s string) (float64, bool) {
		v, err := strconv.ParseFloat(s, 64)
		return v, err == nil
	}

	if v, ok := parse(m[2]); ok {
		result["qfe"] = v
	}
	if v, ok := parse(m[3]); ok {
		result["temp1"] = v
	}
	if v, ok := parse(m[4]); ok {
		result["hum"] = v
	}
	if v, ok := parse(m[5]); ok {
		result["qnh"] = v
	}
	if v, ok := parse(m[6]); ok && v > 0 {
		result["co2"] = int(v)
	}

	return result
}

// SplitPath splits a relay path into (src, via), stripping the gateway's
// own callsign from the relay list.
//
//	"DL8DD-7,DK5EN-99>"           -> ("DL8DD-7", "DL8DD-7")
//	"DO7TW-1,DB0FHR-12,DK5EN-99>" -> ("DO7TW-1", "DO7TW-1,DB0FHR-12")
func SplitPath(path, ownCallsign string) (src, via string) {
	parts := strings.Split(strings.TrimSpace(strings.TrimRight(path, ">")), ",")

	filtered := parts
	if ownCallsign != "" {
		filtered = filtered[:0:0]
		for _, p := range parts {
			if !strings.EqualFold(p, ownCallsign) {
				filtered = append(filtered, p)
			}
		}
	}

	if len(filtered) > 0 {
		src = filtered[0]
	} else if len(parts) > 0 {
		src = parts[0]
	}
	return src, strings.Join(filtered, ",")
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
