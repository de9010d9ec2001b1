package arp

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/ipv4"
)

// Timeout is the wait per request attempt, matching original_source's
// ARP_TIMEOUT. A process-wide tunable like tcp.Timeout, overridden once
// at startup by config.Config.Apply.
var Timeout = time.Second

// Sender abstracts outbound frame injection, mirroring
// original_source/src/device.cpp's DeviceController::sendFrame.
type Sender interface {
	SendFrame(payload []byte, et ether.EtherType, dst ether.MAC, deviceID int) error
}

// Cache is the IP-to-MAC table described in spec.md §4.2 and
// original_source/src/arp.cpp's ArpManager. Waiters block on a
// broadcast channel that is swapped out on every insert, the
// channel-based analogue of the original's cv.wait_for — sync.Cond
// itself has no timed wait, and GetMacAddr needs one per retry.
type Cache struct {
	mu      sync.Mutex
	notify  chan struct{}
	entries map[ipv4.Addr]ether.MAC
	sender  Sender
	log     *logrus.Entry
}

// NewCache constructs an empty ARP cache bound to sender.
func NewCache(sender Sender, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{
		entries: make(map[ipv4.Addr]ether.MAC),
		notify:  make(chan struct{}),
		sender:  sender,
		log:     log.WithField("component", "arp"),
	}
}

// Len returns the number of resolved entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// lookup returns a cached entry without sending any request.
func (c *Cache) lookup(ip ipv4.Addr) (ether.MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[ip]
	return m, ok
}

// insert records a resolved mapping and wakes every waiter, matching
// the REPLY branch of original_source's arpCallBack.
func (c *Cache) insert(ip ipv4.Addr, mac ether.MAC) {
	c.mu.Lock()
	c.entries[ip] = mac
	old := c.notify
	c.notify = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

// GetMacAddr resolves dstIP to a MAC address, sending up to
// maxRetry+1 ARP requests from selfIP/selfMAC on deviceID and waiting
// Timeout for each, per original_source/src/arp.cpp's sendRequestArp.
// It returns the zero MAC and false if every attempt times out.
func (c *Cache) GetMacAddr(selfMAC ether.MAC, selfIP, dstIP ipv4.Addr, deviceID, maxRetry int) (ether.MAC, bool) {
	if mac, ok := c.lookup(dstIP); ok {
		return mac, true
	}

	req := Frame{Op: OpRequest, SrcMAC: selfMAC, SrcIP: selfIP, DstMAC: ether.Zero, DstIP: dstIP}
	payload := req.Encode()

	for attempt := 0; attempt <= maxRetry; attempt++ {
		if err := c.sender.SendFrame(payload, ether.TypeARP, ether.Broadcast, deviceID); err != nil {
			c.log.WithError(err).Warn("failed to send arp request")
		}

		deadline := time.Now().Add(Timeout)
		for {
			c.mu.Lock()
			mac, ok := c.entries[dstIP]
			wake := c.notify
			c.mu.Unlock()
			if ok {
				return mac, true
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			timer := time.NewTimer(remaining)
			select {
			case <-wake:
			case <-timer.C:
			}
			timer.Stop()
		}
	}
	c.log.WithField("ip", dstIP.String()).Warn("arp resolution timed out")
	return ether.MAC{}, false
}

// Receive handles an inbound ARP frame on deviceID, per
// original_source/src/arp.cpp's arpCallBack: a REPLY updates the
// cache; a REQUEST targeting selfIP elicits a reply.
func (c *Cache) Receive(buf []byte, deviceID int, selfMAC ether.MAC, selfIP ipv4.Addr) {
	f, err := Decode(buf)
	if err != nil {
		c.log.WithError(err).Warn("dropping malformed arp frame")
		return
	}
	switch f.Op {
	case OpReply:
		c.insert(f.SrcIP, f.SrcMAC)
	case OpRequest:
		if f.DstIP == selfIP {
			c.sendReply(selfMAC, selfIP, f.SrcMAC, f.SrcIP, deviceID)
		}
	default:
		c.log.WithField("op", f.Op).Warn("unsupported arp opcode")
	}
}

func (c *Cache) sendReply(selfMAC ether.MAC, selfIP ipv4.Addr, dstMAC ether.MAC, dstIP ipv4.Addr, deviceID int) {
	reply := Frame{Op: OpReply, SrcMAC: selfMAC, SrcIP: selfIP, DstMAC: dstMAC, DstIP: dstIP}
	if err := c.sender.SendFrame(reply.Encode(), ether.TypeARP, dstMAC, deviceID); err != nil {
		c.log.WithError(err).Warn("failed to send arp reply")
	}
}
