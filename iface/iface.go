// Package iface resolves a network interface's link-layer address,
// IPv4 address, and netmask — the second out-of-scope external
// collaborator named in spec.md §1.
package iface

import (
	"net"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// Info is the resolved identity of a local network interface.
type Info struct {
	Name string
	MAC  [6]byte
	IPv4 [4]byte
	Mask [4]byte
}

// Resolve looks up name via netlink and returns its hardware address,
// first IPv4 address, and the matching netmask.
func Resolve(name string) (Info, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return Info{}, errors.Wrapf(err, "iface: lookup %s", name)
	}

	var info Info
	info.Name = name
	hw := link.Attrs().HardwareAddr
	if len(hw) != 6 {
		return Info{}, errors.Errorf("iface: %s has no Ethernet hardware address", name)
	}
	copy(info.MAC[:], hw)

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return Info{}, errors.Wrapf(err, "iface: addresses for %s", name)
	}
	if len(addrs) == 0 {
		return Info{}, errors.Errorf("iface: %s has no IPv4 address", name)
	}

	ip4 := addrs[0].IPNet.IP.To4()
	mask := net.IP(addrs[0].IPNet.Mask).To4()
	if ip4 == nil || mask == nil {
		return Info{}, errors.Errorf("iface: %s has no usable IPv4/mask", name)
	}
	copy(info.IPv4[:], ip4)
	copy(info.Mask[:], mask)
	return info, nil
}
