// Package ether implements the Ethernet II link layer: MAC addresses,
// frame encode/decode, and the per-EtherType dispatch registry.
package ether

import "fmt"

// AddrLen is the length in octets of an Ethernet hardware address.
const AddrLen = 6

// MAC is a 6-octet Ethernet hardware address.
type MAC [AddrLen]byte

// Broadcast is the all-ones destination used for ARP requests and SDP
// advertisements.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Zero is the well-known all-zero address used as a placeholder in ARP
// request target fields.
var Zero = MAC{}

// Equal reports whether m and o are the same address.
func (m MAC) Equal(o MAC) bool { return m == o }

// IsBroadcast reports whether m is the all-ones address.
func (m MAC) IsBroadcast() bool { return m == Broadcast }

// IsZero reports whether m is the all-zero address.
func (m MAC) IsZero() bool { return m == Zero }

// String renders m in colon-hex notation.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses a colon-hex MAC address string.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != 6 {
		return MAC{}, fmt.Errorf("ether: invalid MAC address %q", s)
	}
	return m, nil
}
