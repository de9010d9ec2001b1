package tcpseg

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/selfdestruct/stack/ipv4"
)

// HeaderLen is the length of a TCP header with no options.
const HeaderLen = 20

// MaxWindow is the advertised window this stack always sends: the
// stack uses a stop-and-wait discipline (spec.md Non-goals exclude
// sliding-window flow control), so the window is a fixed maximum.
const MaxWindow = 0xffff

// Flag bits.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

// Header is a decoded TCP header (host byte order fields, options
// preserved as raw bytes but not interpreted per spec.md §1).
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      Seq
	Ack      Seq
	DataOff  uint8 // in 32-bit words
	Flags    uint8
	Window   uint16
	Checksum uint16
	Urgent   uint16
	Options  []byte
}

// IsType reports exact flag equality (the IS_X family in spec.md §4.4).
func IsType(flags, mask uint8) bool { return flags == mask }

// WithType reports the flag bitset contains mask (the WITH_X family).
func WithType(flags, mask uint8) bool { return flags&mask == mask }

// IsNone reports flags == 0 (TYPE_NONE).
func IsNone(flags uint8) bool { return flags == 0 }

// Segment pairs a Header with its payload.
type Segment struct {
	Header  Header
	Payload []byte
}

// NewSegment builds a default outbound segment: data offset 5 (no
// options), window MaxWindow, flags 0.
func NewSegment(srcPort, dstPort uint16) Segment {
	return Segment{Header: Header{
		SrcPort: srcPort,
		DstPort: dstPort,
		DataOff: 5,
		Window:  MaxWindow,
	}}
}

// Decode parses a TCP segment (header + trailing payload) from buf.
func Decode(buf []byte) (Segment, error) {
	if len(buf) < HeaderLen {
		return Segment{}, errors.Errorf("tcpseg: segment too short: %d bytes", len(buf))
	}
	var h Header
	h.SrcPort = binary.BigEndian.Uint16(buf[0:2])
	h.DstPort = binary.BigEndian.Uint16(buf[2:4])
	h.Seq = Seq(binary.BigEndian.Uint32(buf[4:8]))
	h.Ack = Seq(binary.BigEndian.Uint32(buf[8:12]))
	h.DataOff = buf[12] >> 4
	h.Flags = buf[13] & 0x3f
	h.Window = binary.BigEndian.Uint16(buf[14:16])
	h.Checksum = binary.BigEndian.Uint16(buf[16:18])
	h.Urgent = binary.BigEndian.Uint16(buf[18:20])

	hdrLen := int(h.DataOff) * 4
	if hdrLen < HeaderLen {
		hdrLen = HeaderLen
	}
	if len(buf) < hdrLen {
		return Segment{}, errors.Errorf("tcpseg: truncated options: need %d have %d", hdrLen, len(buf))
	}
	h.Options = append([]byte(nil), buf[HeaderLen:hdrLen]...)

	return Segment{Header: h, Payload: append([]byte(nil), buf[hdrLen:]...)}, nil
}

// encode renders s's header (with a zero checksum field) into the
// first HeaderLen + len(Options) bytes of a buffer, followed by the
// payload.
func (s Segment) encode() []byte {
	hdrLen := HeaderLen + len(s.Header.Options)
	buf := make([]byte, hdrLen+len(s.Payload))
	binary.BigEndian.PutUint16(buf[0:2], s.Header.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], s.Header.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.Header.Seq))
	binary.BigEndian.PutUint32(buf[8:12], uint32(s.Header.Ack))
	dataOff := uint8(hdrLen / 4)
	buf[12] = dataOff << 4
	buf[13] = s.Header.Flags & 0x3f
	binary.BigEndian.PutUint16(buf[14:16], s.Header.Window)
	binary.BigEndian.PutUint16(buf[16:18], 0)
	binary.BigEndian.PutUint16(buf[18:20], s.Header.Urgent)
	copy(buf[HeaderLen:hdrLen], s.Header.Options)
	copy(buf[hdrLen:], s.Payload)
	return buf
}

// pseudoHeader builds the TCP pseudo-header used in checksum
// computation: src IP, dst IP, zero, protocol 6, TCP length (big endian).
func pseudoHeader(src, dst ipv4.Addr, tcpLen int) []byte {
	buf := make([]byte, 12)
	srcB := src.Bytes()
	dstB := dst.Bytes()
	copy(buf[0:4], srcB[:])
	copy(buf[4:8], dstB[:])
	buf[8] = 0
	buf[9] = ipv4.ProtoTCP
	binary.BigEndian.PutUint16(buf[10:12], uint16(tcpLen))
	return buf
}

// Encode serializes s with its checksum computed over the pseudo-header
// concatenated with the TCP header and payload (spec.md §4.4).
func (s Segment) Encode(src, dst ipv4.Addr) []byte {
	body := s.encode()
	full := append(pseudoHeader(src, dst, len(body)), body...)
	checksum := ipv4.Checksum(full)
	binary.BigEndian.PutUint16(body[16:18], checksum)
	return body
}

// VerifyChecksum reports whether the checksum field of raw, a
// segment's on-wire bytes (header and payload), is valid against the
// given pseudo-header addresses.
func VerifyChecksum(raw []byte, src, dst ipv4.Addr) bool {
	full := append(pseudoHeader(src, dst, len(raw)), raw...)
	return ipv4.Checksum(full) == 0
}
