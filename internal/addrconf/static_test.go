package addrconf_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/addrconf"
	"github.com/nicksinger/wicked/internal/kernel"
	"github.com/nicksinger/wicked/internal/leasestore"
)

func TestStaticEngineAcquireProgramsAddress(t *testing.T) {
	fake := kernel.NewFake()
	addr := netip.MustParsePrefix("192.168.10.2/24")
	e := &addrconf.StaticEngine{Kernel: fake, Address: addr}

	_, err := e.Acquire(context.Background(), leasestore.Request{Device: "eth0"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{addr}, fake.Addresses("eth0"))
}

func TestStaticEngineResumeConfirmsMatchingAddress(t *testing.T) {
	fake := kernel.NewFake()
	addr := netip.MustParsePrefix("192.168.10.2/24")
	e := &addrconf.StaticEngine{Kernel: fake, Address: addr}

	lease := leasestore.Lease{Device: "eth0", Address: addr}
	confirmed, ok, err := e.Resume(context.Background(), leasestore.Request{Device: "eth0"}, lease)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, addr, confirmed.Address)
}

func TestStaticEngineResumeRejectsMismatchedAddress(t *testing.T) {
	fake := kernel.NewFake()
	e := &addrconf.StaticEngine{Kernel: fake, Address: netip.MustParsePrefix("192.168.10.2/24")}

	lease := leasestore.Lease{Device: "eth0", Address: netip.MustParsePrefix("10.0.0.5/24")}
	_, ok, err := e.Resume(context.Background(), leasestore.Request{Device: "eth0"}, lease)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaticEngineRelease(t *testing.T) {
	fake := kernel.NewFake()
	addr := netip.MustParsePrefix("192.168.10.2/24")
	e := &addrconf.StaticEngine{Kernel: fake, Address: addr}
	_, err := e.Acquire(context.Background(), leasestore.Request{Device: "eth0"})
	require.NoError(t, err)

	require.NoError(t, e.Release(context.Background(), leasestore.Lease{Device: "eth0", Address: addr}))
	assert.Empty(t, fake.Addresses("eth0"))
}
