package arp_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfdestruct/stack/arp"
	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/ipv4"
)

// fakeSender records every frame SendFrame is asked to transmit and
// optionally loops it straight back into a bound cache, simulating an
// immediate reply from the wire.
type fakeSender struct {
	mu    sync.Mutex
	sent  []sentFrame
	reply func(payload []byte, et ether.EtherType, dst ether.MAC, deviceID int)
}

type sentFrame struct {
	payload  []byte
	et       ether.EtherType
	dst      ether.MAC
	deviceID int
}

func (f *fakeSender) SendFrame(payload []byte, et ether.EtherType, dst ether.MAC, deviceID int) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{payload, et, dst, deviceID})
	f.mu.Unlock()
	if f.reply != nil {
		f.reply(payload, et, dst, deviceID)
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestCache_GetMacAddrTimesOutWithoutReply(t *testing.T) {
	orig := arp.Timeout
	arp.Timeout = 20 * time.Millisecond
	defer func() { arp.Timeout = orig }()

	sender := &fakeSender{}
	cache := arp.NewCache(sender, nil)

	mac, ok := cache.GetMacAddr(ether.MAC{1}, ipv4.FromBytes([4]byte{10, 0, 0, 1}), ipv4.FromBytes([4]byte{10, 0, 0, 2}), 0, 2)
	assert.False(t, ok)
	assert.Equal(t, ether.MAC{}, mac)
	assert.Equal(t, 3, sender.count(), "maxRetry=2 means 3 total attempts")
}

func TestCache_GetMacAddrResolvesOnReply(t *testing.T) {
	orig := arp.Timeout
	arp.Timeout = time.Second
	defer func() { arp.Timeout = orig }()

	selfIP := ipv4.FromBytes([4]byte{10, 0, 0, 1})
	peerIP := ipv4.FromBytes([4]byte{10, 0, 0, 2})
	peerMAC := ether.MAC{2, 2, 2, 2, 2, 2}

	var cache *arp.Cache
	sender := &fakeSender{}
	sender.reply = func(payload []byte, et ether.EtherType, dst ether.MAC, deviceID int) {
		req, err := arp.Decode(payload)
		require.NoError(t, err)
		require.Equal(t, arp.OpRequest, req.Op)
		reply := arp.Frame{Op: arp.OpReply, SrcMAC: peerMAC, SrcIP: peerIP, DstMAC: req.SrcMAC, DstIP: req.SrcIP}
		go cache.Receive(reply.Encode(), deviceID, req.SrcMAC, selfIP)
	}
	cache = arp.NewCache(sender, nil)

	mac, ok := cache.GetMacAddr(ether.MAC{1, 1, 1, 1, 1, 1}, selfIP, peerIP, 0, 3)
	require.True(t, ok)
	assert.Equal(t, peerMAC, mac)
	assert.Equal(t, 1, cache.Len())

	// A second resolution hits the cache and sends no further requests.
	mac, ok = cache.GetMacAddr(ether.MAC{1, 1, 1, 1, 1, 1}, selfIP, peerIP, 0, 3)
	require.True(t, ok)
	assert.Equal(t, peerMAC, mac)
	assert.Equal(t, 1, sender.count())
}

func TestCache_ReceiveRequestElicitsReply(t *testing.T) {
	selfIP := ipv4.FromBytes([4]byte{10, 0, 0, 1})
	selfMAC := ether.MAC{1, 1, 1, 1, 1, 1}
	peerIP := ipv4.FromBytes([4]byte{10, 0, 0, 2})
	peerMAC := ether.MAC{2, 2, 2, 2, 2, 2}

	sender := &fakeSender{}
	cache := arp.NewCache(sender, nil)

	req := arp.Frame{Op: arp.OpRequest, SrcMAC: peerMAC, SrcIP: peerIP, DstMAC: ether.Zero, DstIP: selfIP}
	cache.Receive(req.Encode(), 0, selfMAC, selfIP)

	require.Equal(t, 1, sender.count())
	reply, err := arp.Decode(sender.sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, arp.OpReply, reply.Op)
	assert.Equal(t, selfMAC, reply.SrcMAC)
	assert.Equal(t, peerMAC, sender.sent[0].dst)
}

func TestCache_ReceiveRequestForOtherHostIsIgnored(t *testing.T) {
	selfIP := ipv4.FromBytes([4]byte{10, 0, 0, 1})
	otherIP := ipv4.FromBytes([4]byte{10, 0, 0, 9})
	sender := &fakeSender{}
	cache := arp.NewCache(sender, nil)

	req := arp.Frame{Op: arp.OpRequest, SrcMAC: ether.MAC{2}, SrcIP: ipv4.FromBytes([4]byte{10, 0, 0, 2}), DstMAC: ether.Zero, DstIP: otherIP}
	cache.Receive(req.Encode(), 0, ether.MAC{1}, selfIP)

	assert.Equal(t, 0, sender.count())
}
