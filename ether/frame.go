package ether

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// EtherType identifies the upper-layer protocol carried in a frame.
type EtherType uint16

// Well-known EtherTypes. SDP is a private value per spec.md §6.
const (
	TypeIPv4 EtherType = 0x0800
	TypeARP  EtherType = 0x0806
	TypeSDP  EtherType = 0x2333
)

// HeaderLen is the size in bytes of the fixed Ethernet II header
// (destination MAC, source MAC, EtherType).
const HeaderLen = 2*AddrLen + 2

// MinFrameLen is the minimum on-wire frame length (pre-FCS); shorter
// payloads are zero-padded before injection.
const MinFrameLen = 60

// MaxPayload is the largest payload this stack will hand to a device's
// send queue.
const MaxPayload = 1500

// Frame is a parsed Ethernet II header plus payload.
type Frame struct {
	Dst     MAC
	Src     MAC
	Type    EtherType
	Payload []byte
}

// Decode parses an Ethernet II frame from buf. It does not copy the
// payload; callers that retain it past the lifetime of buf must copy.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderLen {
		return Frame{}, errors.Errorf("ether: frame too short: %d bytes", len(buf))
	}
	var f Frame
	copy(f.Dst[:], buf[0:6])
	copy(f.Src[:], buf[6:12])
	f.Type = EtherType(binary.BigEndian.Uint16(buf[12:14]))
	f.Payload = buf[HeaderLen:]
	return f, nil
}

// Encode serializes an Ethernet II frame, zero-padding the result to
// MinFrameLen if the header+payload is shorter.
func Encode(dst, src MAC, et EtherType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, errors.Errorf("ether: payload too large: %d bytes", len(payload))
	}
	total := HeaderLen + len(payload)
	if total < MinFrameLen {
		total = MinFrameLen
	}
	buf := make([]byte, total)
	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(et))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}
