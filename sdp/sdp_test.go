package sdp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/route"
	"github.com/selfdestruct/stack/sdp"
)

func addr(a, b, c, d byte) ipv4.Addr {
	return ipv4.FromBytes([4]byte{a, b, c, d})
}

func TestPacket_EncodeDecodeRoundTrip(t *testing.T) {
	p := sdp.Packet{
		Flags:  sdp.FlagIsNew,
		Sender: ether.MAC{1, 2, 3, 4, 5, 6},
		Items: []sdp.Item{
			{Prefix: addr(10, 0, 0, 0), PfLen: 24, Dist: 1},
			{Prefix: addr(172, 16, 0, 0), PfLen: 16, Dist: 2, Withdraw: true},
		},
	}
	buf, err := p.Encode()
	require.NoError(t, err)

	decoded, err := sdp.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, p.Flags, decoded.Flags)
	assert.Equal(t, p.Sender, decoded.Sender)
	require.Len(t, decoded.Items, 2)
	assert.Equal(t, p.Items[0].Prefix, decoded.Items[0].Prefix)
	assert.False(t, decoded.Items[0].Withdraw)
	assert.True(t, decoded.Items[1].Withdraw)
}

func TestPacket_EncodeRejectsTooManyItems(t *testing.T) {
	items := make([]sdp.Item, sdp.MaxItemsPerPacket+1)
	_, err := sdp.Packet{Items: items}.Encode()
	assert.Error(t, err)
}

// fakeSender records frames sent per device and reports a fixed device
// set, standing in for device.Manager in engine tests.
type fakeSender struct {
	devices []sdp.Device
	sent    []sentFrame
}

type sentFrame struct {
	payload  []byte
	dst      ether.MAC
	deviceID int
}

func (f *fakeSender) Devices() []sdp.Device { return f.devices }

func (f *fakeSender) SendFrame(payload []byte, et ether.EtherType, dst ether.MAC, deviceID int) error {
	f.sent = append(f.sent, sentFrame{payload, dst, deviceID})
	return nil
}

func TestEngine_StartInstallsLocalRoutesAndBroadcasts(t *testing.T) {
	table := route.NewTable()
	dev := sdp.Device{ID: 0, MAC: ether.MAC{1}, IP: addr(10, 0, 0, 1), Mask: addr(255, 255, 255, 0)}
	sender := &fakeSender{devices: []sdp.Device{dev}}
	e := sdp.NewEngine(table, sender, 0, nil)
	e.Start()
	defer e.Close()

	item, ok := table.Get(addr(10, 0, 0, 0), addr(255, 255, 255, 0))
	require.True(t, ok)
	assert.True(t, item.IsLocal)
	assert.Equal(t, route.MetricNoDelete, item.Metric)

	require.Len(t, sender.sent, 1)
	pkt, err := sdp.Decode(sender.sent[0].payload)
	require.NoError(t, err)
	assert.NotZero(t, pkt.Flags&sdp.FlagIsNew)
}

func TestEngine_ReceiveInstallsNewRouteAndRelays(t *testing.T) {
	table := route.NewTable()
	devA := sdp.Device{ID: 0, MAC: ether.MAC{1}, IP: addr(10, 0, 0, 1), Mask: addr(255, 255, 255, 0)}
	devB := sdp.Device{ID: 1, MAC: ether.MAC{2}, IP: addr(192, 168, 0, 1), Mask: addr(255, 255, 255, 0)}
	sender := &fakeSender{devices: []sdp.Device{devA, devB}}
	e := sdp.NewEngine(table, sender, 0, nil)

	neighborMAC := ether.MAC{9, 9, 9, 9, 9, 9}
	pkt := sdp.Packet{Sender: neighborMAC, Items: []sdp.Item{
		{Prefix: addr(172, 16, 0, 0), PfLen: 16, Dist: 1},
	}}
	buf, err := pkt.Encode()
	require.NoError(t, err)

	e.Receive(buf, 0)

	item, ok := table.Get(addr(172, 16, 0, 0), addr(255, 255, 0, 0))
	require.True(t, ok)
	assert.Equal(t, neighborMAC, item.NextHopMAC)
	assert.Equal(t, 1, item.Dist)

	// The accepted route is relayed out every device except the one it
	// arrived on (split horizon).
	require.Len(t, sender.sent, 1)
	assert.Equal(t, 1, sender.sent[0].deviceID)
}

func TestEngine_ReceiveUnfinishedReassembly(t *testing.T) {
	table := route.NewTable()
	dev := sdp.Device{ID: 0, MAC: ether.MAC{1}, IP: addr(10, 0, 0, 1), Mask: addr(255, 255, 255, 0)}
	sender := &fakeSender{devices: []sdp.Device{dev}}
	e := sdp.NewEngine(table, sender, 0, nil)

	neighborMAC := ether.MAC{9, 9, 9, 9, 9, 9}
	first := sdp.Packet{Flags: sdp.FlagUnfinished, Sender: neighborMAC, Items: []sdp.Item{
		{Prefix: addr(172, 16, 0, 0), PfLen: 16, Dist: 1},
	}}
	buf1, err := first.Encode()
	require.NoError(t, err)
	e.Receive(buf1, 0)

	_, ok := table.Get(addr(172, 16, 0, 0), addr(255, 255, 0, 0))
	assert.False(t, ok, "an UNFINISHED chunk must be buffered, not applied immediately")

	second := sdp.Packet{Sender: neighborMAC, Items: []sdp.Item{
		{Prefix: addr(192, 168, 1, 0), PfLen: 24, Dist: 2},
	}}
	buf2, err := second.Encode()
	require.NoError(t, err)
	e.Receive(buf2, 0)

	_, ok = table.Get(addr(172, 16, 0, 0), addr(255, 255, 0, 0))
	assert.True(t, ok, "the reassembled packet must apply all buffered items")
	_, ok = table.Get(addr(192, 168, 1, 0), addr(255, 255, 255, 0))
	assert.True(t, ok)
}

func TestEngine_ReceiveWithdrawMarksTimeout(t *testing.T) {
	table := route.NewTable()
	neighborMAC := ether.MAC{9, 9, 9, 9, 9, 9}
	table.Insert(route.NewItem(addr(172, 16, 0, 0), addr(255, 255, 0, 0), 0, neighborMAC, 1, false, 0))

	dev := sdp.Device{ID: 0, MAC: ether.MAC{1}, IP: addr(10, 0, 0, 1), Mask: addr(255, 255, 255, 0)}
	sender := &fakeSender{devices: []sdp.Device{dev}}
	e := sdp.NewEngine(table, sender, 0, nil)

	pkt := sdp.Packet{Sender: neighborMAC, Items: []sdp.Item{
		{Prefix: addr(172, 16, 0, 0), PfLen: 16, Dist: 1, Withdraw: true},
	}}
	buf, err := pkt.Encode()
	require.NoError(t, err)
	e.Receive(buf, 0)

	item, ok := table.Get(addr(172, 16, 0, 0), addr(255, 255, 0, 0))
	require.True(t, ok)
	assert.Equal(t, route.MetricTimeout, item.Metric)
}
