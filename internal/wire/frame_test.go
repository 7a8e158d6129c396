package wire

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestCalcFCS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want uint16
	}{
		{name: "empty", in: nil, want: 0},
		{name: "single byte swaps into high half", in: []byte{0x01}, want: 0x0100},
		{name: "sum with carry", in: []byte{0xFF, 0x02}, want: 0x0101},
		{name: "ascii", in: []byte("AB"), want: 0x8300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := CalcFCS(tt.in); got != tt.want {
				t.Errorf("CalcFCS(%v) = %#04x, want %#04x", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeText(t *testing.T) {
	t.Parallel()

	raw := EncodeText(TextFrame{
		MsgID:      0x12345678,
		Src:        "DK5EN-99",
		Dst:        "232",
		Msg:        "Hello mesh",
		MaxHop:     5,
		MeshInfo:   2,
		HardwareID: 11,
		LoRaMod:    3,
		Firmware:   45,
		FwSub:      'c',
		UptimeMS:   987654,
	})

	f, a, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if a != nil {
		t.Fatal("Decode() returned an ACK for a text frame")
	}

	if f.PayloadType != PayloadText {
		t.Errorf("PayloadType = %d, want %d", f.PayloadType, PayloadText)
	}
	if f.MsgID != 0x12345678 {
		t.Errorf("MsgID = %#08x, want 0x12345678", f.MsgID)
	}
	if f.MaxHop != 5 {
		t.Errorf("MaxHop = %d, want 5", f.MaxHop)
	}
	if f.MeshInfo != 2 {
		t.Errorf("MeshInfo = %d, want 2", f.MeshInfo)
	}
	if f.Path != "DK5EN-99>" {
		t.Errorf("Path = %q, want %q", f.Path, "DK5EN-99>")
	}
	if f.Dest != "232" {
		t.Errorf("Dest = %q, want %q", f.Dest, "232")
	}
	if f.Message != ":Hello mesh" {
		t.Errorf("Message = %q, want %q", f.Message, ":Hello mesh")
	}
	if f.HardwareID != 11 {
		t.Errorf("HardwareID = %d, want 11", f.HardwareID)
	}
	if f.LoRaMod != 3 {
		t.Errorf("LoRaMod = %d, want 3", f.LoRaMod)
	}
	if f.Firmware != 45 {
		t.Errorf("Firmware = %d, want 45", f.Firmware)
	}
	if f.FwSub != 'c' {
		t.Errorf("FwSub = %d, want %d", f.FwSub, 'c')
	}
	if !f.FCSOK {
		t.Errorf("FCSOK = false (computed %#04x, received %#04x)", f.FCSComputed, f.FCSReceived)
	}
}

func TestDecodeFCSMismatchStillParses(t *testing.T) {
	t.Parallel()

	raw := EncodeText(TextFrame{MsgID: 1, Src: "DK5EN-99", Dst: "*", Msg: "x", MaxHop: 3})

	// Corrupt a payload byte without touching the stored checksum.
	raw[8] ^= 0xFF

	f, _, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if f.FCSOK {
		t.Error("FCSOK = true for a corrupted frame")
	}
}

func TestDecodeAck(t *testing.T) {
	t.Parallel()

	// Gateway ACK: msg_id packs a 22-bit gateway id and 10-bit sequence.
	msgID := uint32(1234)<<10 | 77

	raw := make([]byte, 12)
	raw[0] = '@'
	raw[1] = 'A'
	binary.LittleEndian.PutUint32(raw[2:6], msgID)
	// The flags byte doubles as the first ack id byte on the wire.
	raw[6] = 0x83 // server flag + hop count 3
	raw[7] = 0xBB
	raw[8] = 0xAA
	raw[9] = 0x00
	raw[10] = 0x01 // gateway ACK
	raw[11] = 0x00

	f, a, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if f != nil {
		t.Fatal("Decode() returned a text frame for an ACK")
	}

	if a.MsgID != msgID {
		t.Errorf("MsgID = %d, want %d", a.MsgID, msgID)
	}
	if !a.ServerFlag {
		t.Error("ServerFlag = false, want true")
	}
	if a.HopCount != 3 {
		t.Errorf("HopCount = %d, want 3", a.HopCount)
	}
	if a.AckID != 0x00AABB83 {
		t.Errorf("AckID = %#08x, want 0x00AABB83", a.AckID)
	}
	if a.AckType != 1 {
		t.Errorf("AckType = %d, want 1", a.AckType)
	}
	if a.TypeText() != "Gateway ACK" {
		t.Errorf("TypeText() = %q, want %q", a.TypeText(), "Gateway ACK")
	}
	if a.GatewayID != 1234 {
		t.Errorf("GatewayID = %d, want 1234", a.GatewayID)
	}
	if a.AckIDPart != 77 {
		t.Errorf("AckIDPart = %d, want 77", a.AckIDPart)
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	noPath := EncodeText(TextFrame{MsgID: 1, Src: "DK5EN-99", Dst: "*", Msg: "x"})
	// Replace the '>' terminator so the routing split fails.
	for i, b := range noPath {
		if b == '>' {
			noPath[i] = '.'
			break
		}
	}

	tests := []struct {
		name    string
		in      []byte
		wantErr error
	}{
		{name: "empty", in: nil, wantErr: ErrNotMeshFrame},
		{name: "wrong sentinel", in: []byte("X: hello"), wantErr: ErrNotMeshFrame},
		{name: "truncated header", in: []byte{'@', ':', 1, 2}, wantErr: ErrFrameTooShort},
		{name: "unknown payload type", in: []byte{'@', 'Z', 0, 0, 0, 0, 0}, wantErr: ErrUnknownPayload},
		{name: "missing path terminator", in: noPath, wantErr: ErrInvalidRouting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := Decode(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHexMsgID(t *testing.T) {
	t.Parallel()

	if got := HexMsgID(0xAB); got != "000000AB" {
		t.Errorf("HexMsgID(0xAB) = %q, want %q", got, "000000AB")
	}
	if got := HexMsgID(0xDEADBEEF); got != "DEADBEEF" {
		t.Errorf("HexMsgID(0xDEADBEEF) = %q, want %q", got, "DEADBEEF")
	}
}
