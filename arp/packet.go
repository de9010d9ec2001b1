// Package arp implements the address-resolution cache and request/
// reply handling described in spec.md §4.2, grounded on
// original_source/src/arp.cpp.
package arp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/ipv4"
)

// Op is an ARP opcode.
type Op uint16

const (
	OpRequest Op = 1
	OpReply   Op = 2
)

const (
	hwTypeEthernet uint16 = 1
	protoTypeIPv4  uint16 = uint16(ether.TypeIPv4)
	frameLen              = 28
)

// Frame is a decoded ARP packet (Ethernet/IPv4 only, per spec.md §4.2).
type Frame struct {
	Op      Op
	SrcMAC  ether.MAC
	SrcIP   ipv4.Addr
	DstMAC  ether.MAC
	DstIP   ipv4.Addr
}

// Decode parses an ARP packet payload.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < frameLen {
		return Frame{}, errors.Errorf("arp: packet too short: %d bytes", len(buf))
	}
	if binary.BigEndian.Uint16(buf[0:2]) != hwTypeEthernet ||
		binary.BigEndian.Uint16(buf[2:4]) != protoTypeIPv4 ||
		buf[4] != ether.AddrLen || buf[5] != 4 {
		return Frame{}, errors.New("arp: unsupported hardware/protocol format")
	}
	var f Frame
	f.Op = Op(binary.BigEndian.Uint16(buf[6:8]))
	copy(f.SrcMAC[:], buf[8:14])
	f.SrcIP = ipv4.FromBytes([4]byte(buf[14:18]))
	copy(f.DstMAC[:], buf[18:24])
	f.DstIP = ipv4.FromBytes([4]byte(buf[24:28]))
	return f, nil
}

// Encode serializes f.
func (f Frame) Encode() []byte {
	buf := make([]byte, frameLen)
	binary.BigEndian.PutUint16(buf[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(buf[2:4], protoTypeIPv4)
	buf[4] = ether.AddrLen
	buf[5] = 4
	binary.BigEndian.PutUint16(buf[6:8], uint16(f.Op))
	copy(buf[8:14], f.SrcMAC[:])
	srcB := f.SrcIP.Bytes()
	copy(buf[14:18], srcB[:])
	copy(buf[18:24], f.DstMAC[:])
	dstB := f.DstIP.Bytes()
	copy(buf[24:28], dstB[:])
	return buf
}
