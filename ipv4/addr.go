// Package ipv4 implements the IPv4 header codec, checksum, and the
// forwarder that chooses between local delivery and routed forwarding.
package ipv4

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Addr is a 32-bit IPv4 address, held in host byte order so that
// masking and comparison are plain integer operations; Bytes/FromBytes
// convert at the wire boundary.
type Addr uint32

// FromBytes builds an Addr from 4 network-order octets.
func FromBytes(b [4]byte) Addr {
	return Addr(binary.BigEndian.Uint32(b[:]))
}

// Bytes renders a in network-order octets.
func (a Addr) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return b
}

// FromNetIP converts a net.IP (must be 4-byte or 4-in-16) to an Addr.
func FromNetIP(ip net.IP) (Addr, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	var b [4]byte
	copy(b[:], v4)
	return FromBytes(b), true
}

// NetIP renders a as a net.IP.
func (a Addr) NetIP() net.IP {
	b := a.Bytes()
	return net.IPv4(b[0], b[1], b[2], b[3])
}

// String renders a in dotted-quad notation.
func (a Addr) String() string {
	b := a.Bytes()
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// SameSubnet reports whether a and o fall in the same subnet under mask.
func SameSubnet(a, o, mask Addr) bool {
	return a&mask == o&mask
}

// PrefixLen returns the number of one-bits in mask, which is its
// prefix length when mask is a contiguous netmask.
func PrefixLen(mask Addr) int {
	n := 0
	m := uint32(mask)
	for m != 0 {
		m &= m - 1
		n++
	}
	return n
}

// PrefixLenToMask renders a CIDR prefix length as a netmask.
func PrefixLenToMask(pflen int) Addr {
	if pflen <= 0 {
		return 0
	}
	if pflen >= 32 {
		return Addr(0xffffffff)
	}
	return Addr(0xffffffff << uint(32-pflen))
}
