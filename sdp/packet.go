// Package sdp implements the "Self-Destruct Protocol", the stack's
// private distance-vector routing protocol carried over EtherType
// 0x2333 (spec.md §4.3, §6).
package sdp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/ipv4"
)

// Packet flag bits (spec.md §6).
const (
	FlagIncrement uint8 = 1 << 0
	FlagUnfinished uint8 = 1 << 1
	FlagIsNew     uint8 = 1 << 2
	FlagVerify    uint8 = 1 << 3
)

// Item flag bits.
const ItemFlagDel uint8 = 1 << 0

// HeaderLen is the size of the fixed SDP packet header.
const HeaderLen = 8

// ItemLen is the size of a single serialized SDP item.
const ItemLen = 8

// MaxItemsPerPacket is the largest item count a single SDP packet can
// carry (count is a single byte).
const MaxItemsPerPacket = 255

// Item is a single advertised (or withdrawn) route.
type Item struct {
	Prefix   ipv4.Addr
	PfLen    uint8
	Dist     uint16
	Withdraw bool
}

// Mask renders Item's prefix length as a netmask.
func (i Item) Mask() ipv4.Addr { return ipv4.PrefixLenToMask(int(i.PfLen)) }

// Packet is a decoded SDP packet.
type Packet struct {
	Flags  uint8
	Sender ether.MAC
	Items  []Item
}

// Encode serializes p to wire format (network byte order throughout).
func (p Packet) Encode() ([]byte, error) {
	if len(p.Items) > MaxItemsPerPacket {
		return nil, errors.Errorf("sdp: too many items: %d", len(p.Items))
	}
	buf := make([]byte, HeaderLen+ItemLen*len(p.Items))
	buf[0] = uint8(len(p.Items))
	buf[1] = p.Flags
	copy(buf[2:8], p.Sender[:])
	for i, item := range p.Items {
		off := HeaderLen + i*ItemLen
		prefixB := item.Prefix.Bytes()
		copy(buf[off:off+4], prefixB[:])
		buf[off+4] = item.PfLen
		flag := uint8(0)
		if item.Withdraw {
			flag |= ItemFlagDel
		}
		buf[off+5] = flag
		binary.BigEndian.PutUint16(buf[off+6:off+8], item.Dist)
	}
	return buf, nil
}

// Decode parses an SDP packet from buf.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderLen {
		return Packet{}, errors.Errorf("sdp: packet too short: %d bytes", len(buf))
	}
	count := int(buf[0])
	var p Packet
	p.Flags = buf[1]
	copy(p.Sender[:], buf[2:8])

	need := HeaderLen + ItemLen*count
	if len(buf) < need {
		return Packet{}, errors.Errorf("sdp: truncated packet: need %d have %d", need, len(buf))
	}
	p.Items = make([]Item, count)
	for i := 0; i < count; i++ {
		off := HeaderLen + i*ItemLen
		var prefixB [4]byte
		copy(prefixB[:], buf[off:off+4])
		p.Items[i] = Item{
			Prefix:   ipv4.FromBytes(prefixB),
			PfLen:    buf[off+4],
			Withdraw: buf[off+5]&ItemFlagDel != 0,
			Dist:     binary.BigEndian.Uint16(buf[off+6 : off+8]),
		}
	}
	return p, nil
}
