package ipv4_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/route"
)

func addr(a, b, c, d byte) ipv4.Addr {
	return ipv4.FromBytes([4]byte{a, b, c, d})
}

func TestHeader_EncodeDecodeRoundTrip(t *testing.T) {
	src, dst := addr(10, 0, 0, 1), addr(10, 0, 0, 2)
	payload := []byte("12345678")
	hdr := ipv4.NewHeader(src, dst, ipv4.ProtoTCP, ipv4.DefaultTTL, len(payload))
	buf := append(hdr.Encode(), payload...)

	require.True(t, ipv4.VerifyChecksum(buf))
	decoded, err := ipv4.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, src, decoded.Src)
	assert.Equal(t, dst, decoded.Dst)
	assert.Equal(t, uint8(ipv4.ProtoTCP), decoded.Protocol)
	assert.Equal(t, uint8(ipv4.DefaultTTL), decoded.TTL)
}

func TestVerifyChecksum_DetectsCorruption(t *testing.T) {
	hdr := ipv4.NewHeader(addr(1, 1, 1, 1), addr(2, 2, 2, 2), ipv4.ProtoTCP, 16, 0)
	buf := hdr.Encode()
	buf[5] ^= 0xff
	assert.False(t, ipv4.VerifyChecksum(buf))
}

func TestDecode_RejectsTotalLenBeyondBuffer(t *testing.T) {
	hdr := ipv4.NewHeader(addr(1, 1, 1, 1), addr(2, 2, 2, 2), ipv4.ProtoTCP, 16, 100)
	buf := hdr.Encode() // claims TotalLen=120 but carries no payload bytes
	_, err := ipv4.Decode(buf)
	assert.Error(t, err, "a TotalLen exceeding the captured buffer must be rejected, not sliced out of bounds")
}

func TestDecode_RejectsTotalLenBelowHeaderLen(t *testing.T) {
	hdr := ipv4.NewHeader(addr(1, 1, 1, 1), addr(2, 2, 2, 2), ipv4.ProtoTCP, 16, 0)
	buf := hdr.Encode()
	buf[2], buf[3] = 0, 5 // TotalLen = 5, shorter than the header itself
	_, err := ipv4.Decode(buf)
	assert.Error(t, err)
}

func TestDecrementTTL(t *testing.T) {
	hdr := ipv4.NewHeader(addr(1, 1, 1, 1), addr(2, 2, 2, 2), ipv4.ProtoTCP, 1, 0)
	_, alive := hdr.DecrementTTL()
	assert.False(t, alive, "a packet with TTL 1 must expire, not forward at TTL 0")

	hdr.TTL = 2
	next, alive := hdr.DecrementTTL()
	assert.True(t, alive)
	assert.Equal(t, uint8(1), next.TTL)
}

func TestPrefixLenAndMask(t *testing.T) {
	assert.Equal(t, 24, ipv4.PrefixLen(addr(255, 255, 255, 0)))
	assert.Equal(t, addr(255, 255, 255, 0), ipv4.PrefixLenToMask(24))
	assert.Equal(t, ipv4.Addr(0), ipv4.PrefixLenToMask(0))
}

// fakeDevices/fakeResolver/fakeSender/fakeDeliver let the forwarder be
// exercised without a real device manager or ARP cache.
type fakeDevices struct{ devices []ipv4.DeviceInfo }

func (f fakeDevices) All() []ipv4.DeviceInfo { return f.devices }

type fakeResolver struct {
	mac ether.MAC
	ok  bool
}

func (f fakeResolver) GetMacAddr(selfMAC ether.MAC, selfIP, dstIP ipv4.Addr, deviceID, maxRetry int) (ether.MAC, bool) {
	return f.mac, f.ok
}

type sentPacket struct {
	payload  []byte
	et       ether.EtherType
	dst      ether.MAC
	deviceID int
}

type fakeSender struct{ sent []sentPacket }

func (f *fakeSender) SendFrame(payload []byte, et ether.EtherType, dst ether.MAC, deviceID int) error {
	f.sent = append(f.sent, sentPacket{payload, et, dst, deviceID})
	return nil
}

func TestForwarder_DeliversLocalAddress(t *testing.T) {
	self := addr(10, 0, 0, 1)
	devices := fakeDevices{devices: []ipv4.DeviceInfo{{ID: 0, IP: self, Mask: addr(255, 255, 255, 0)}}}
	sender := &fakeSender{}

	var gotPayload []byte
	var gotProto uint8
	deliver := func(payload []byte, proto uint8, src, dst ipv4.Addr, deviceID int) {
		gotPayload = payload
		gotProto = proto
	}

	fwd := ipv4.NewForwarder(route.NewTable(), devices, fakeResolver{}, sender, deliver, nil)

	hdr := ipv4.NewHeader(addr(10, 0, 0, 5), self, ipv4.ProtoTCP, ipv4.DefaultTTL, 4)
	buf := append(hdr.Encode(), []byte("data")...)
	fwd.Receive(buf, 0)

	require.NotNil(t, gotPayload)
	assert.Equal(t, "data", string(gotPayload))
	assert.Equal(t, uint8(ipv4.ProtoTCP), gotProto)
	assert.Empty(t, sender.sent, "a locally delivered datagram must not be forwarded")
}

func TestForwarder_ForwardsViaRouteTableAndDecrementsTTL(t *testing.T) {
	devices := fakeDevices{devices: []ipv4.DeviceInfo{
		{ID: 0, IP: addr(10, 0, 0, 1), Mask: addr(255, 255, 255, 0)},
		{ID: 1, IP: addr(192, 168, 0, 1), Mask: addr(255, 255, 255, 0)},
	}}
	table := route.NewTable()
	nextHop := ether.MAC{7, 7, 7, 7, 7, 7}
	table.Insert(route.NewItem(addr(172, 16, 0, 0), addr(255, 255, 0, 0), 1, nextHop, 1, false, 0))
	sender := &fakeSender{}
	fwd := ipv4.NewForwarder(table, devices, fakeResolver{}, sender, nil, nil)

	hdr := ipv4.NewHeader(addr(10, 0, 0, 5), addr(172, 16, 5, 5), ipv4.ProtoTCP, 10, 4)
	buf := append(hdr.Encode(), []byte("data")...)
	fwd.Receive(buf, 0)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, nextHop, sender.sent[0].dst)
	assert.Equal(t, 1, sender.sent[0].deviceID)

	fwdHdr, err := ipv4.Decode(sender.sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), fwdHdr.TTL)
}

func TestForwarder_DropsExpiredTTL(t *testing.T) {
	devices := fakeDevices{devices: []ipv4.DeviceInfo{{ID: 0, IP: addr(10, 0, 0, 1), Mask: addr(255, 255, 255, 0)}}}
	table := route.NewTable()
	table.Insert(route.NewItem(addr(172, 16, 0, 0), addr(255, 255, 0, 0), 1, ether.MAC{1}, 1, false, 0))
	sender := &fakeSender{}
	fwd := ipv4.NewForwarder(table, devices, fakeResolver{}, sender, nil, nil)

	hdr := ipv4.NewHeader(addr(10, 0, 0, 5), addr(172, 16, 5, 5), ipv4.ProtoTCP, 1, 0)
	fwd.Receive(hdr.Encode(), 0)

	assert.Empty(t, sender.sent, "a datagram at TTL 1 must be dropped, not forwarded at TTL 0")
}

func TestForwarder_DropsWithNoRoute(t *testing.T) {
	devices := fakeDevices{devices: []ipv4.DeviceInfo{{ID: 0, IP: addr(10, 0, 0, 1), Mask: addr(255, 255, 255, 0)}}}
	sender := &fakeSender{}
	fwd := ipv4.NewForwarder(route.NewTable(), devices, fakeResolver{}, sender, nil, nil)

	hdr := ipv4.NewHeader(addr(10, 0, 0, 5), addr(8, 8, 8, 8), ipv4.ProtoTCP, 10, 0)
	fwd.Receive(hdr.Encode(), 0)

	assert.Empty(t, sender.sent)
}

func TestForwarder_SendResolvesDirectNeighborByARP(t *testing.T) {
	self := ipv4.DeviceInfo{ID: 0, MAC: ether.MAC{1}, IP: addr(10, 0, 0, 1), Mask: addr(255, 255, 255, 0)}
	devices := fakeDevices{devices: []ipv4.DeviceInfo{self}}
	neighborMAC := ether.MAC{9, 9, 9, 9, 9, 9}
	sender := &fakeSender{}
	fwd := ipv4.NewForwarder(route.NewTable(), devices, fakeResolver{mac: neighborMAC, ok: true}, sender, nil, nil)

	err := fwd.Send(self.IP, addr(10, 0, 0, 50), ipv4.ProtoTCP, []byte("x"))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, neighborMAC, sender.sent[0].dst)
	assert.Equal(t, 0, sender.sent[0].deviceID)
}

func TestForwarder_SendUsesRouteTableForRemoteSubnet(t *testing.T) {
	self := ipv4.DeviceInfo{ID: 0, MAC: ether.MAC{1}, IP: addr(10, 0, 0, 1), Mask: addr(255, 255, 255, 0)}
	other := ipv4.DeviceInfo{ID: 1, MAC: ether.MAC{2}, IP: addr(192, 168, 0, 1), Mask: addr(255, 255, 255, 0)}
	devices := fakeDevices{devices: []ipv4.DeviceInfo{self, other}}
	table := route.NewTable()
	nextHop := ether.MAC{5, 5, 5, 5, 5, 5}
	table.Insert(route.NewItem(addr(172, 16, 0, 0), addr(255, 255, 0, 0), 1, nextHop, 1, false, 0))
	sender := &fakeSender{}
	fwd := ipv4.NewForwarder(table, devices, fakeResolver{}, sender, nil, nil)

	err := fwd.Send(self.IP, addr(172, 16, 9, 9), ipv4.ProtoTCP, []byte("x"))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, nextHop, sender.sent[0].dst)
	assert.Equal(t, 1, sender.sent[0].deviceID)
}
