// Package wire implements the MeshCom binary frame codec shared by the
// UDP transport and the BLE notification path.
//
// A mesh frame starts with the '@' sentinel followed by the payload type
// byte: ':' (58) for text messages, '!' (33) for position/telemetry
// payloads, 'A' (65) for ACK frames. Text and position frames carry a
// little-endian header (payload type, message ID, hop byte), a relay
// path terminated by '>', a destination, the payload body terminated by
// NUL, and a fixed 13-byte binary footer with hardware and firmware
// metadata plus a byte-sum checksum.
package wire
