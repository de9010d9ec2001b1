package ipv4

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/route"
)

// ArpMaxRetry bounds address-resolution attempts made while forwarding
// a packet to a directly-attached neighbor.
const ArpMaxRetry = 2

// DeviceInfo is the minimal identity the forwarder needs for a local
// interface: its id, MAC, and attached subnet.
type DeviceInfo struct {
	ID   int
	MAC  ether.MAC
	IP   Addr
	Mask Addr
}

// Devices reports every locally attached interface.
type Devices interface {
	All() []DeviceInfo
}

// Resolver resolves a next-hop IP to a MAC address, blocking as
// original_source/src/arp.cpp's ArpManager::getMacAddr does.
type Resolver interface {
	GetMacAddr(selfMAC ether.MAC, selfIP, dstIP Addr, deviceID, maxRetry int) (ether.MAC, bool)
}

// Sender injects an encoded frame on a device.
type Sender interface {
	SendFrame(payload []byte, et ether.EtherType, dst ether.MAC, deviceID int) error
}

// Deliver is invoked for a datagram whose destination is one of the
// stack's own addresses (the "is me?" branch of original_source's
// ipCallBack).
type Deliver func(payload []byte, proto uint8, src, dst Addr, deviceID int)

// Forwarder implements the datagram forwarding and local-delivery
// logic of spec.md §4.2, grounded on original_source/src/ip.cpp.
type Forwarder struct {
	Table    *route.Table
	devices  Devices
	resolver Resolver
	sender   Sender
	deliver  Deliver
	log      *logrus.Entry
}

// NewForwarder constructs a Forwarder.
func NewForwarder(table *route.Table, devices Devices, resolver Resolver, sender Sender, deliver Deliver, log *logrus.Entry) *Forwarder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Forwarder{
		Table:    table,
		devices:  devices,
		resolver: resolver,
		sender:   sender,
		deliver:  deliver,
		log:      log.WithField("component", "ipv4"),
	}
}

func (f *Forwarder) ownsAddr(ip Addr) bool {
	for _, d := range f.devices.All() {
		if d.IP == ip {
			return true
		}
	}
	return false
}

func (f *Forwarder) deviceByID(id int) (DeviceInfo, bool) {
	for _, d := range f.devices.All() {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// Receive handles an inbound IPv4 datagram arriving on deviceID, per
// original_source/src/ip.cpp's ipCallBack: a bad checksum only warns
// (the original never drops on it), then the datagram is delivered
// locally or routed onward with its TTL decremented
// (SPEC_FULL.md §9.1).
func (f *Forwarder) Receive(buf []byte, deviceID int) {
	if !VerifyChecksum(buf) {
		f.log.Warn("ip checksum mismatch")
	}
	hdr, err := Decode(buf)
	if err != nil {
		f.log.WithError(err).Warn("dropping malformed ip packet")
		return
	}
	payload := buf[HeaderLen:hdr.TotalLen]

	if f.ownsAddr(hdr.Dst) {
		if f.deliver != nil {
			f.deliver(payload, hdr.Protocol, hdr.Src, hdr.Dst, deviceID)
		}
		return
	}

	item, ok := f.Table.Lookup(hdr.Dst)
	if !ok {
		f.log.WithField("dst", hdr.Dst.String()).Warn("no route")
		return
	}
	newHdr, alive := hdr.DecrementTTL()
	if !alive {
		f.log.WithField("dst", hdr.Dst.String()).Warn("ttl expired")
		return
	}

	out := append(newHdr.Encode(), payload...)
	if err := f.sender.SendFrame(out, ether.TypeIPv4, item.NextHopMAC, item.DeviceID); err != nil {
		f.log.WithError(err).Warn("failed to forward ip packet")
	}
}

// Send builds and transmits a datagram from src to dst, per
// original_source/src/ip.cpp's sendIPPacket: same-subnet destinations
// are resolved by ARP directly, others go through the route table.
func (f *Forwarder) Send(src, dst Addr, proto uint8, payload []byte) error {
	var egress DeviceInfo
	found := false
	for _, d := range f.devices.All() {
		if d.IP == src {
			egress, found = d, true
			break
		}
	}
	if !found {
		return errors.Errorf("ipv4: no device with address %s", src.String())
	}

	var dstMAC ether.MAC
	deviceID := egress.ID

	if SameSubnet(src, dst, egress.Mask) {
		mac, ok := f.resolver.GetMacAddr(egress.MAC, src, dst, egress.ID, ArpMaxRetry)
		if !ok {
			return errors.Errorf("ipv4: mac address not found for %s", dst.String())
		}
		dstMAC = mac
	} else {
		item, ok := f.Table.Lookup(dst)
		if !ok {
			return errors.Errorf("ipv4: no route for %s", dst.String())
		}
		dstMAC = item.NextHopMAC
		deviceID = item.DeviceID
		if dev, ok := f.deviceByID(deviceID); ok {
			egress = dev
		}
	}

	hdr := NewHeader(src, dst, proto, DefaultTTL, len(payload))
	out := append(hdr.Encode(), payload...)
	return f.sender.SendFrame(out, ether.TypeIPv4, dstMAC, deviceID)
}
