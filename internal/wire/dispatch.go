package wire

import (
	"strings"
	"time"
)

// Message is the canonical routed message shape: a JSON-compatible map
// flowing through the router, the store, and out to SSE clients.
type Message = map[string]any

// jsonRegisterTypes are the BLE JSON register TYPs passed through as
// generic device status. Multi-part configuration responses (SE+S1
// sensor settings, SW+S2 WiFi settings) arrive ~200ms apart and are
// published as independent events; the frontend merges them.
var jsonRegisterTypes = map[string]bool{
	"I": true, "SN": true, "G": true, "SA": true, "W": true,
	"IO": true, "TM": true, "AN": true, "SE": true, "SW": true,
	"S1": true, "S2": true, "CONFFIN": true,
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// -------------------------------------------------------------------------
// Transformers
// -------------------------------------------------------------------------

// commonFields extracts the footer metadata shared by all frame transforms.
func commonFields(f *Frame, ownCallsign string) Message {
	_, via := SplitPath(f.Path, ownCallsign)
	out := Message{
		"transformer1": "common_fields",
		"src_type":     "ble",
		"firmware":     int(f.Firmware),
		"via":          via,
		"max_hop":      int(f.MaxHop),
		"mesh_info":    int(f.MeshInfo),
		"lora_mod":     int(f.LoRaMod),
		"last_hw_id":   int(f.LastHWID),
		"last_sending": f.LastSending,
		"timestamp":    nowMS(),
	}
	if f.FwSub != 0 {
		out["fw_sub"] = string(rune(f.FwSub))
	}
	return out
}

// TransformText converts a decoded text frame to the canonical shape.
func TransformText(f *Frame, ownCallsign string) Message {
	src, _ := SplitPath(f.Path, ownCallsign)
	out := Message{
		"transformer": "msg",
		"type":        "msg",
		"src":         src,
		"dst":         f.Dest,
		"msg":         strings.TrimPrefix(f.Message, ":"),
		"msg_id":      HexMsgID(f.MsgID),
		"hw_id":       int(f.HardwareID),
	}
	for k, v := range commonFields(f, ownCallsign) {
		out[k] = v
	}
	return out
}

// TransformPos converts a decoded position frame, parsing the APRS body.
func TransformPos(f *Frame, ownCallsign string) Message {
	src, _ := SplitPath(f.Path, ownCallsign)
	out := Message{
		"transformer": "pos",
		"type":        "pos",
		"src":         src,
		"msg_id":      HexMsgID(f.MsgID),
		"msg":         f.Message,
		"hw_id":       int(f.HardwareID),
	}
	for k, v := range ParseAPRSPosition(f.Message) {
		out[k] = v
	}
	for k, v := range commonFields(f, ownCallsign) {
		out[k] = v
	}
	return out
}

// TransformTele converts a decoded T# telemetry frame.
func TransformTele(f *Frame, ownCallsign string) Message {
	src, _ := SplitPath(f.Path, ownCallsign)
	if src == "" {
		src = ownCallsign
	}
	out := Message{
		"transformer": "tele",
		"type":        "tele",
		"src":         src,
		"msg_id":      HexMsgID(f.MsgID),
		"msg":         f.Message,
		"hw_id":       int(f.HardwareID),
	}
	for k, v := range ParseAPRSTelemetry(f.Message) {
		out[k] = v
	}
	for k, v := range commonFields(f, ownCallsign) {
		out[k] = v
	}
	return out
}

// TransformAck converts a decoded ACK frame.
func TransformAck(a *Ack) Message {
	out := Message{
		"transformer":   "ack",
		"src_type":      "ble",
		"type":          "ack",
		"msg_id":        HexMsgID(a.MsgID),
		"ack_id":        HexMsgID(a.AckID),
		"ack_type":      int(a.AckType),
		"ack_type_text": a.TypeText(),
		"server_flag":   a.ServerFlag,
		"hop_count":     int(a.HopCount),
		"max_hop":       int(a.MaxHop),
		"mesh_info":     int(a.MeshInfo),
		"message":       a.MessageHex,
		"timestamp":     nowMS(),
	}
	if a.AckType == 1 {
		out["gateway_id"] = int64(a.GatewayID)
		out["ack_id_part"] = int64(a.AckIDPart)
	}
	return out
}

// TransformMH converts a JSON MHeard register entry (TYP=MH) into a
// position-typed beacon carrying signal quality.
func TransformMH(obj map[string]any) Message {
	ts := timestampFromDateTime(str(obj["DATE"]), str(obj["TIME"]))
	return Message{
		"transformer":    "mh",
		"src_type":       "ble",
		"type":           "pos",
		"src":            str(obj["CALL"]),
		"rssi":           obj["RSSI"],
		"snr":            obj["SNR"],
		"hw_id":          obj["HW"],
		"lora_mod":       obj["MOD"],
		"mesh":           obj["MESH"],
		"node_timestamp": ts,
		"timestamp":      ts,
	}
}

// TransformRegister passes a generic BLE register/config response through.
func TransformRegister(obj map[string]any) Message {
	out := Message{
		"transformer": "generic_ble",
		"src_type":    "BLE",
		"timestamp":   nowMS(),
	}
	for k, v := range obj {
		out[k] = v
	}
	return out
}

// -------------------------------------------------------------------------
// Dispatch
// -------------------------------------------------------------------------

// Dispatch routes a decoded binary frame to the matching transformer.
func Dispatch(f *Frame, a *Ack, ownCallsign string) Message {
	switch {
	case a != nil:
		return TransformAck(a)
	case f == nil:
		return nil
	case f.PayloadType == PayloadText:
		return TransformText(f, ownCallsign)
	case f.PayloadType == PayloadPos:
		if strings.HasPrefix(f.Message, "T#") {
			return TransformTele(f, ownCallsign)
		}
		return TransformPos(f, ownCallsign)
	default:
		return nil
	}
}

// DispatchJSON routes a decoded JSON register object. Returns nil for
// unrecognized TYPs.
func DispatchJSON(obj map[string]any) Message {
	typ, ok := obj["TYP"].(string)
	if !ok {
		return nil
	}
	if typ == "MH" {
		return TransformMH(obj)
	}
	if jsonRegisterTypes[typ] {
		return TransformRegister(obj)
	}
	return nil
}

func timestampFromDateTime(date, clock string) int64 {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", date+" "+clock, time.Local)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
