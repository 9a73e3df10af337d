package inventory_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/inventory"
)

func TestObserveAndLookup(t *testing.T) {
	inv := inventory.New()

	h := inv.Observe(inventory.Device{Index: 2, Name: "eth0"})
	d, ok := inv.Lookup(h)
	require.True(t, ok)
	assert.Equal(t, "eth0", d.Name)

	d, h2, ok := inv.LookupByIndex(2)
	require.True(t, ok)
	assert.Equal(t, h, h2)
	assert.Equal(t, 2, d.Index)
}

func TestObserveUpdatesInPlaceKeepsHandleGeneration(t *testing.T) {
	inv := inventory.New()

	h := inv.Observe(inventory.Device{Index: 3, Name: "eth1"})
	h2 := inv.Observe(inventory.Device{Index: 3, Name: "eth1-renamed"})
	assert.Equal(t, h, h2)

	d, ok := inv.Lookup(h)
	require.True(t, ok)
	assert.Equal(t, "eth1-renamed", d.Name)
}

func TestForgetInvalidatesHandle(t *testing.T) {
	inv := inventory.New()

	h := inv.Observe(inventory.Device{Index: 4, Name: "wlan0"})
	inv.Forget(4)

	_, ok := inv.Lookup(h)
	assert.False(t, ok)

	_, _, ok = inv.LookupByIndex(4)
	assert.False(t, ok)
}

func TestForgetThenReobserveIssuesFreshGeneration(t *testing.T) {
	inv := inventory.New()

	h1 := inv.Observe(inventory.Device{Index: 5, Name: "eth2"})
	inv.Forget(5)
	h2 := inv.Observe(inventory.Device{Index: 5, Name: "eth2"})

	assert.NotEqual(t, h1, h2)
	_, ok := inv.Lookup(h1)
	assert.False(t, ok, "stale handle from before forget must not resolve")

	_, ok = inv.Lookup(h2)
	assert.True(t, ok)
}

func TestLookupByName(t *testing.T) {
	inv := inventory.New()
	inv.Observe(inventory.Device{Index: 6, Name: "br0", HardwareAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5}})

	d, _, ok := inv.LookupByName("br0")
	require.True(t, ok)
	assert.Equal(t, 6, d.Index)

	_, _, ok = inv.LookupByName("does-not-exist")
	assert.False(t, ok)
}

func TestIterSnapshotsOccupiedSlotsOnly(t *testing.T) {
	inv := inventory.New()
	inv.Observe(inventory.Device{Index: 7, Name: "a"})
	inv.Observe(inventory.Device{Index: 8, Name: "b"})
	inv.Forget(7)

	var names []string
	inv.Iter(func(_ inventory.Handle, d inventory.Device) {
		names = append(names, d.Name)
	})

	assert.Equal(t, []string{"b"}, names)
	assert.Equal(t, 1, inv.Len())
}
