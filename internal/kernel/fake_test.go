package kernel_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/kernel"
)

func TestFakeAddAddressIsIdempotent(t *testing.T) {
	f := kernel.NewFake()
	addr := netip.MustParsePrefix("10.0.0.5/24")

	require.NoError(t, f.AddAddress(context.Background(), "eth0", addr))
	require.NoError(t, f.AddAddress(context.Background(), "eth0", addr))

	assert.Equal(t, []netip.Prefix{addr}, f.Addresses("eth0"))
}

func TestFakeRemoveAddress(t *testing.T) {
	f := kernel.NewFake()
	addr := netip.MustParsePrefix("10.0.0.5/24")
	require.NoError(t, f.AddAddress(context.Background(), "eth0", addr))
	require.NoError(t, f.RemoveAddress(context.Background(), "eth0", addr))

	assert.Empty(t, f.Addresses("eth0"))
}

func TestFakeSetLinkUp(t *testing.T) {
	f := kernel.NewFake()
	require.NoError(t, f.SetLinkUp(context.Background(), "eth0", true))
	assert.True(t, f.LinkUp("eth0"))

	require.NoError(t, f.SetLinkUp(context.Background(), "eth0", false))
	assert.False(t, f.LinkUp("eth0"))
}
