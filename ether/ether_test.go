package ether_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfdestruct/stack/ether"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	src := ether.MAC{1, 2, 3, 4, 5, 6}
	dst := ether.MAC{6, 5, 4, 3, 2, 1}
	payload := []byte("hello")

	frame, err := ether.Encode(dst, src, ether.TypeIPv4, payload)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(frame), ether.MinFrameLen, "short frames are zero-padded")

	f, err := ether.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, dst, f.Dst)
	assert.Equal(t, src, f.Src)
	assert.Equal(t, ether.TypeIPv4, f.Type)
	assert.Equal(t, payload, f.Payload[:len(payload)])
}

func TestDecode_TooShort(t *testing.T) {
	_, err := ether.Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEncode_PayloadTooLarge(t *testing.T) {
	_, err := ether.Encode(ether.MAC{}, ether.MAC{}, ether.TypeIPv4, make([]byte, ether.MaxPayload+1))
	assert.Error(t, err)
}

func TestParseMAC_RoundTrip(t *testing.T) {
	m, err := ether.ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, ether.MAC{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, m)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", m.String())
}

func TestDispatch_DropsOwnLoopback(t *testing.T) {
	self := ether.MAC{1, 1, 1, 1, 1, 1}
	reg := ether.NewRegistry()
	called := false
	reg.Set(ether.TypeIPv4, func(payload []byte, length, deviceID int) int {
		called = true
		return 0
	})

	frame, err := ether.Encode(self, self, ether.TypeIPv4, []byte("x"))
	require.NoError(t, err)

	ether.Dispatch(frame, len(frame), 0, self, reg)
	assert.False(t, called, "a frame sourced from self must be dropped, not delivered")
}

func TestDispatch_DeliversBroadcastAndUnicast(t *testing.T) {
	self := ether.MAC{1, 1, 1, 1, 1, 1}
	peer := ether.MAC{2, 2, 2, 2, 2, 2}
	reg := ether.NewRegistry()
	var gotPayload []byte
	reg.Set(ether.TypeARP, func(payload []byte, length, deviceID int) int {
		gotPayload = payload
		return 0
	})

	frame, err := ether.Encode(self, peer, ether.TypeARP, []byte("arp-body"))
	require.NoError(t, err)
	ether.Dispatch(frame, len(frame), 3, self, reg)
	require.NotNil(t, gotPayload)
	assert.Equal(t, "arp-body", string(gotPayload[:len("arp-body")]))

	gotPayload = nil
	bcast, err := ether.Encode(ether.Broadcast, peer, ether.TypeARP, []byte("bcast-body"))
	require.NoError(t, err)
	ether.Dispatch(bcast, len(bcast), 3, self, reg)
	require.NotNil(t, gotPayload)
	assert.Equal(t, "bcast-body", string(gotPayload[:len("bcast-body")]))
}

func TestDispatch_DropsOtherUnicastAndUnknownType(t *testing.T) {
	self := ether.MAC{1, 1, 1, 1, 1, 1}
	other := ether.MAC{9, 9, 9, 9, 9, 9}
	peer := ether.MAC{2, 2, 2, 2, 2, 2}
	reg := ether.NewRegistry()
	called := false
	reg.Set(ether.TypeIPv4, func(payload []byte, length, deviceID int) int {
		called = true
		return 0
	})

	frame, err := ether.Encode(other, peer, ether.TypeIPv4, []byte("x"))
	require.NoError(t, err)
	ether.Dispatch(frame, len(frame), 0, self, reg)
	assert.False(t, called, "a frame addressed to another host must not be delivered")

	unknown, err := ether.Encode(self, peer, ether.TypeSDP, []byte("x"))
	require.NoError(t, err)
	ether.Dispatch(unknown, len(unknown), 0, self, reg)
	assert.False(t, called, "a frame of an unregistered EtherType must not be delivered")
}

func TestRegistry_SetReturnsNewVsReplaced(t *testing.T) {
	reg := ether.NewRegistry()
	assert.Equal(t, 1, reg.Set(ether.TypeIPv4, func([]byte, int, int) int { return 0 }))
	assert.Equal(t, 0, reg.Set(ether.TypeIPv4, func([]byte, int, int) int { return 0 }))
}
