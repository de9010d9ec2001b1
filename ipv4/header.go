package ipv4

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderLen is the length of an IPv4 header with no options (IHL=5).
const HeaderLen = 20

// DefaultTTL is the TTL set on a datagram at its originating host.
const DefaultTTL = 16

// ProtoTCP is the IPv4 protocol number for TCP.
const ProtoTCP = 6

// FlagDF is the "don't fragment" bit of the flags/fragment-offset field.
const FlagDF = 0x4000

// Header is a decoded IPv4 header (host byte order fields).
type Header struct {
	Version  uint8
	IHL      uint8
	TOS      uint8
	TotalLen uint16
	ID       uint16
	FlagsOff uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      Addr
	Dst      Addr
}

// Decode parses an IPv4 header from the front of buf. It does not
// validate the checksum; call VerifyChecksum separately. TotalLen is
// checked against buf's actual length so that callers can safely slice
// buf[HeaderLen:TotalLen] for the payload without risking a
// slice-bounds panic on a malformed or truncated datagram.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, errors.Errorf("ipv4: header too short: %d bytes", len(buf))
	}
	var h Header
	h.Version = buf[0] >> 4
	h.IHL = buf[0] & 0x0f
	h.TOS = buf[1]
	h.TotalLen = binary.BigEndian.Uint16(buf[2:4])
	h.ID = binary.BigEndian.Uint16(buf[4:6])
	h.FlagsOff = binary.BigEndian.Uint16(buf[6:8])
	h.TTL = buf[8]
	h.Protocol = buf[9]
	h.Checksum = binary.BigEndian.Uint16(buf[10:12])
	var src, dst [4]byte
	copy(src[:], buf[12:16])
	copy(dst[:], buf[16:20])
	h.Src = FromBytes(src)
	h.Dst = FromBytes(dst)

	if int(h.TotalLen) < HeaderLen || int(h.TotalLen) > len(buf) {
		return Header{}, errors.Errorf("ipv4: invalid total length %d for %d-byte buffer", h.TotalLen, len(buf))
	}
	return h, nil
}

// Encode serializes h into a HeaderLen-byte buffer with the checksum
// field computed over the result.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = (h.Version << 4) | (h.IHL & 0x0f)
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], h.FlagsOff)
	buf[8] = h.TTL
	buf[9] = h.Protocol
	binary.BigEndian.PutUint16(buf[10:12], 0)
	srcB := h.Src.Bytes()
	dstB := h.Dst.Bytes()
	copy(buf[12:16], srcB[:])
	copy(buf[16:20], dstB[:])
	binary.BigEndian.PutUint16(buf[10:12], Checksum(buf))
	return buf
}

// VerifyChecksum reports whether the checksum of the wire-format
// header buf (exactly HeaderLen bytes, options ignored) is valid.
func VerifyChecksum(buf []byte) bool {
	if len(buf) < HeaderLen {
		return false
	}
	return Checksum(buf[:HeaderLen]) == 0
}

// NewHeader builds a default outbound header: version 4, IHL 5, TOS 0,
// ID 0, DF set, the given TTL/protocol/addresses, and TotalLen set to
// HeaderLen+payloadLen. Call Encode to serialize (which fills the
// checksum).
func NewHeader(src, dst Addr, proto uint8, ttl uint8, payloadLen int) Header {
	return Header{
		Version:  4,
		IHL:      5,
		TOS:      0,
		TotalLen: uint16(HeaderLen + payloadLen),
		ID:       0,
		FlagsOff: FlagDF,
		TTL:      ttl,
		Protocol: proto,
		Src:      src,
		Dst:      dst,
	}
}

// DecrementTTL returns h with TTL reduced by one and ok=false if the
// datagram must be dropped (TTL reached zero). This implements the
// REDESIGN FLAG decision in spec.md §9 / SPEC_FULL.md §9.1: the
// original never decremented TTL on forward, which this
// implementation treats as a bug, not an intentional design choice.
func (h Header) DecrementTTL() (Header, bool) {
	if h.TTL <= 1 {
		return h, false
	}
	h.TTL--
	return h, true
}
