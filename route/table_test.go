package route_test

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

func TestTable_LookupPrefersLongestPrefix(t *testing.T) {
	tbl := route.NewTable()
	tbl.Insert(route.NewItem(addr(10, 0, 0, 0), addr(255, 0, 0, 0), 1, ether.MAC{1}, 1, false, 0))
	tbl.Insert(route.NewItem(addr(10, 0, 1, 0), addr(255, 255, 255, 0), 2, ether.MAC{2}, 1, false, 0))

	item, ok := tbl.Lookup(addr(10, 0, 1, 5))
	require.True(t, ok)
	assert.Equal(t, 2, item.DeviceID, "the /24 should win over the /8")

	item, ok = tbl.Lookup(addr(10, 0, 2, 5))
	require.True(t, ok)
	assert.Equal(t, 1, item.DeviceID, "falls back to the /8 outside the /24")

	_, ok = tbl.Lookup(addr(192, 168, 0, 1))
	assert.False(t, ok)
}

func TestTable_InsertReplacesSamePrefixAndMask(t *testing.T) {
	tbl := route.NewTable()
	mask := addr(255, 255, 255, 0)
	tbl.Insert(route.NewItem(addr(10, 0, 0, 0), mask, 9, ether.MAC{9}, 1, false, 0))
	tbl.Insert(route.NewItem(addr(10, 0, 0, 0), mask, 5, ether.MAC{5}, 1, false, 0))

	// Same (prefix, mask) key: second Insert replaces the first.
	assert.Equal(t, 1, tbl.Len())
	item, ok := tbl.Get(addr(10, 0, 0, 0), mask)
	require.True(t, ok)
	assert.Equal(t, 5, item.DeviceID)
}

func TestTable_AgeTransitionsAndWithdraws(t *testing.T) {
	tbl := route.NewTable()
	mask := addr(255, 255, 255, 0)
	tbl.Insert(route.NewItem(addr(10, 0, 0, 0), mask, 1, ether.MAC{1}, 1, false, 0))

	// AgeLimit rounds increment the metric without reporting anything
	// withdrawn; the entry only reaches MetricTimeout internally.
	for i := 0; i < route.AgeLimit; i++ {
		withdrawn := tbl.Age()
		assert.Empty(t, withdrawn)
	}
	item, ok := tbl.Get(addr(10, 0, 0, 0), mask)
	require.True(t, ok)
	assert.Equal(t, route.MetricTimeout, item.Metric)

	// The next round reports the withdrawal and demotes it to DIE.
	withdrawn := tbl.Age()
	require.Len(t, withdrawn, 1)
	assert.Equal(t, route.MetricDie, withdrawn[0].Metric)

	item, ok = tbl.Get(addr(10, 0, 0, 0), mask)
	require.True(t, ok)
	assert.Equal(t, route.MetricDie, item.Metric)

	tbl.Age()
	_, ok = tbl.Get(addr(10, 0, 0, 0), mask)
	assert.False(t, ok, "a DIE entry is removed on the next aging round")
}

func TestTable_AgeNeverExpiresNoDelete(t *testing.T) {
	tbl := route.NewTable()
	mask := addr(255, 255, 255, 0)
	tbl.Insert(route.NewItem(addr(10, 0, 0, 0), mask, 1, ether.MAC{1}, 0, true, route.MetricNoDelete))

	for i := 0; i < 10; i++ {
		tbl.Age()
	}

	item, ok := tbl.Get(addr(10, 0, 0, 0), mask)
	require.True(t, ok)
	assert.Equal(t, route.MetricNoDelete, item.Metric)
}
