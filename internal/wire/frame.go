package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// -------------------------------------------------------------------------
// Frame Constants
// -------------------------------------------------------------------------

// PayloadType identifies the mesh frame payload kind (second frame byte).
type PayloadType byte

// Payload types as transmitted on the wire.
const (
	PayloadText PayloadType = ':' // 58: chat message
	PayloadPos  PayloadType = '!' // 33: position / telemetry (APRS body)
	PayloadAck  PayloadType = 'A' // 65: acknowledgement
)

// Frame layout sizes.
const (
	headerLen = 7  // sentinel + payload type + msg id + hop byte
	footerLen = 14 // 13-byte footer + trailing NUL
	minAckLen = 12
)

// Decode errors.
var (
	// ErrNotMeshFrame indicates the buffer does not start with the '@' sentinel.
	ErrNotMeshFrame = errors.New("not a mesh frame")

	// ErrFrameTooShort indicates the buffer is shorter than header + footer.
	ErrFrameTooShort = errors.New("mesh frame too short")

	// ErrInvalidRouting indicates the relay path has no '>' terminator.
	ErrInvalidRouting = errors.New("invalid routing format")

	// ErrNoDestination indicates the destination terminator was not found.
	ErrNoDestination = errors.New("destination not found")

	// ErrUnknownPayload indicates an unrecognized payload type byte.
	ErrUnknownPayload = errors.New("unknown payload type")
)

// -------------------------------------------------------------------------
// Decoded Frame Types
// -------------------------------------------------------------------------

// Frame is a decoded text or position mesh frame.
type Frame struct {
	PayloadType PayloadType
	MsgID       uint32
	MaxHop      uint8
	MeshInfo    uint8

	// Path is the relay path including the trailing '>' (e.g. "DL8DD-7,DB0FHR-12>").
	Path string

	// Dest is the destination field: a callsign, a group number, or "*".
	Dest string

	// Message is the payload body. For text frames it retains the leading ':'.
	Message string

	// Footer metadata.
	HardwareID  uint8
	LoRaMod     uint8
	Firmware    uint8
	FwSub       uint8
	LastHWID    uint8
	LastSending bool

	// FCSOK reports whether the frame checksum matched. Mismatches are
	// tolerated (permissive mode) but surfaced for logging.
	FCSOK       bool
	FCSReceived uint16
	FCSComputed uint16
}

// Ack is a decoded ACK frame.
//
// ACK frame layout: '@' 'A' [MSG_ID u32] [FLAGS] [ACK_MSG_ID u32] [ACK_TYPE] NUL.
type Ack struct {
	MsgID      uint32
	AckID      uint32
	AckType    uint8
	ServerFlag bool
	HopCount   uint8
	MaxHop     uint8
	MeshInfo   uint8

	// GatewayID and AckIDPart are only meaningful for gateway ACKs
	// (AckType == 1), where the message ID packs a 22-bit gateway ID
	// and a 10-bit ACK sequence.
	GatewayID uint32
	AckIDPart uint32

	// MessageHex is the raw payload after the hop byte, hex-encoded.
	MessageHex string
}

// TypeText returns the human-readable ACK type.
func (a *Ack) TypeText() string {
	switch a.AckType {
	case 0:
		return "Node ACK"
	case 1:
		return "Gateway ACK"
	default:
		return fmt.Sprintf("Unknown (%d)", a.AckType)
	}
}

// -------------------------------------------------------------------------
// Checksum
// -------------------------------------------------------------------------

// CalcFCS computes the frame checksum: the byte sum with MSB and LSB
// swapped, as the MeshCom firmware transmits it.
func CalcFCS(msg []byte) uint16 {
	var sum uint32
	for _, b := range msg {
		sum += uint32(b)
	}
	return uint16((sum&0xFF00)>>8 | (sum&0x00FF)<<8)
}

// HexMsgID renders a message ID the way the firmware and webapp expect it.
func HexMsgID(id uint32) string {
	return fmt.Sprintf("%08X", id)
}

// -------------------------------------------------------------------------
// Binary Decode
// -------------------------------------------------------------------------

// Decode parses a binary mesh frame. Exactly one of the returned frame or
// ack is non-nil on success.
func Decode(raw []byte) (*Frame, *Ack, error) {
	if len(raw) < 2 || raw[0] != '@' {
		return nil, nil, ErrNotMeshFrame
	}
	if len(raw) < headerLen {
		return nil, nil, ErrFrameTooShort
	}

	payloadType := PayloadType(raw[1])
	msgID := binary.LittleEndian.Uint32(raw[2:6])
	hopRaw := raw[6]
	maxHop := hopRaw & 0x0F
	meshInfo := hopRaw >> 4

	switch payloadType {
	case PayloadAck:
		return nil, decodeAck(raw, msgID, hopRaw, maxHop, meshInfo), nil
	case PayloadText, PayloadPos:
		f, err := decodeFrame(raw, payloadType, msgID, maxHop, meshInfo)
		return f, nil, err
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownPayload, payloadType)
	}
}

func decodeAck(raw []byte, msgID uint32, hopRaw, maxHop, meshInfo uint8) *Ack {
	a := &Ack{
		MsgID:    msgID,
		MaxHop:   maxHop,
		MeshInfo: meshInfo,
	}

	rest := bytes.TrimRight(raw[headerLen:], "\x00")
	a.MessageHex = strings.ToUpper(hex.EncodeToString(rest))

	if len(raw) >= minAckLen {
		// Hop byte doubles as the FLAGS byte on ACK frames.
		a.ServerFlag = hopRaw&0x80 != 0
		a.HopCount = hopRaw & 0x7F
		a.AckID = binary.LittleEndian.Uint32(raw[6:10])
		a.AckType = raw[10]
		if a.AckType == 1 {
			a.GatewayID = (msgID >> 10) & 0x3FFFFF
			a.AckIDPart = msgID & 0x3FF
		}
		return a
	}

	// Legacy short ACK: the ack id sits right before the trailing byte.
	if len(raw) >= 5 {
		a.AckID = binary.LittleEndian.Uint32(raw[len(raw)-5 : len(raw)-1])
	}
	a.HopCount = maxHop
	return a
}

func decodeFrame(raw []byte, pt PayloadType, msgID uint32, maxHop, meshInfo uint8) (*Frame, error) {
	if len(raw) < headerLen+footerLen {
		return nil, ErrFrameTooShort
	}

	f := &Frame{
		PayloadType: pt,
		MsgID:       msgID,
		MaxHop:      maxHop,
		MeshInfo:    meshInfo,
	}

	rest := bytes.TrimRight(raw[headerLen:], "\x00")

	pathEnd := bytes.IndexByte(rest, '>')
	if pathEnd == -1 {
		return nil, ErrInvalidRouting
	}
	f.Path = string(rest[:pathEnd+1])
	rest = rest[pathEnd+1:]

	var destEnd int
	switch pt {
	case PayloadText:
		destEnd = bytes.IndexByte(rest, ':')
		if destEnd == -1 {
			return nil, ErrNoDestination
		}
	case PayloadPos:
		destEnd = bytes.IndexByte(rest, '*') + 1
		if destEnd == 0 {
			return nil, ErrNoDestination
		}
	}
	f.Dest = string(rest[:destEnd])

	body := rest[destEnd:]
	if nul := bytes.IndexByte(body, 0); nul != -1 {
		body = body[:nul]
	}
	f.Message = strings.TrimSpace(string(body))

	// Fixed footer at the end of the frame: one reserved zero byte,
	// hardware id, LoRa modulation, checksum, firmware, last-hop byte,
	// firmware sub-version, ending marker, uptime ms.
	foot := raw[len(raw)-footerLen : len(raw)-1]
	f.HardwareID = foot[1]
	f.LoRaMod = foot[2]
	f.FCSReceived = binary.LittleEndian.Uint16(foot[3:5])
	f.Firmware = foot[5]
	lastHW := foot[6]
	f.FwSub = foot[7]
	f.LastHWID = lastHW & 0x7F
	f.LastSending = lastHW&0x80 != 0

	// Checksum covers everything between the sentinel and the FCS field.
	f.FCSComputed = CalcFCS(raw[1 : len(raw)-11])
	f.FCSOK = f.FCSComputed == f.FCSReceived

	return f, nil
}

// -------------------------------------------------------------------------
// JSON Decode
// -------------------------------------------------------------------------

// DecodeJSON parses a BLE JSON notification ('D{...}' register frames).
func DecodeJSON(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimRight(raw, "\x00")
	if len(trimmed) < 2 {
		return nil, ErrFrameTooShort
	}

	var obj map[string]any
	if err := json.Unmarshal(trimmed[1:], &obj); err != nil {
		return nil, fmt.Errorf("decode json frame: %w", err)
	}
	return obj, nil
}

// -------------------------------------------------------------------------
// Encode
// -------------------------------------------------------------------------

// TextFrame describes an outbound chat message to encode.
type TextFrame struct {
	MsgID    uint32
	Src      string
	Dst      string
	Msg      string
	MaxHop   uint8
	MeshInfo uint8

	// Footer identity fields.
	HardwareID uint8
	LoRaMod    uint8
	Firmware   uint8
	FwSub      uint8
	UptimeMS   uint32
}

// EncodeText builds a binary text frame for transmission to the MeshCom
// node. The layout mirrors Decode: header, "SRC>" path, destination,
// ':' + body, NUL, footer with computed checksum.
func EncodeText(tf TextFrame) []byte {
	var buf bytes.Buffer
	buf.WriteByte('@')
	buf.WriteByte(byte(PayloadText))

	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], tf.MsgID)
	buf.Write(id[:])
	buf.WriteByte(tf.MeshInfo<<4 | tf.MaxHop&0x0F)

	buf.WriteString(tf.Src)
	buf.WriteByte('>')
	buf.WriteString(tf.Dst)
	buf.WriteByte(':')
	buf.WriteString(tf.Msg)
	buf.WriteByte(0)

	// Footer prefix covered by the checksum.
	buf.WriteByte(0) // reserved
	buf.WriteByte(tf.HardwareID)
	buf.WriteByte(tf.LoRaMod)

	fcs := CalcFCS(buf.Bytes()[1:])

	var tail [11]byte
	binary.LittleEndian.PutUint16(tail[0:2], fcs)
	tail[2] = tf.Firmware
	tail[3] = tf.HardwareID & 0x7F // last hop is ourselves on origination
	tail[4] = tf.FwSub
	tail[5] = 0 // ending marker
	binary.LittleEndian.PutUint32(tail[6:10], tf.UptimeMS)
	tail[10] = 0
	buf.Write(tail[:])

	return buf.Bytes()
}
