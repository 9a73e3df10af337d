package daemon_test

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/daemon"
	"github.com/nicksinger/wicked/internal/docxml"
	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/inventory"
	"github.com/nicksinger/wicked/internal/kernel"
	"github.com/nicksinger/wicked/internal/leasestore"
	"github.com/nicksinger/wicked/internal/policy"
	"github.com/nicksinger/wicked/internal/secretgw"
	"github.com/nicksinger/wicked/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDriver(t *testing.T) (*daemon.Driver, *kernel.Fake, *policy.Store) {
	t.Helper()

	store, err := leasestore.New(t.TempDir())
	require.NoError(t, err)

	fake := kernel.NewFake()
	policies := policy.New()

	return &daemon.Driver{
		Logger:   discardLogger(),
		Kernel:   fake,
		Policies: policies,
		Leases:   store,
		Secrets:  secretgw.New(event.NewQueue(8)),
		Queue:    event.NewQueue(8),
	}, fake, policies
}

func staticFragment(addr netip.Prefix) policy.Fragment {
	root := docxml.NewNode("desired")
	root.AddChild("method").Text = string(leasestore.MethodStatic)
	root.AddChild("address").Text = addr.String()
	data, err := docxml.Marshal(root)
	if err != nil {
		panic(err)
	}
	return policy.Fragment{Raw: data}
}

func authFragment(securityID, path string) policy.Fragment {
	root := docxml.NewNode("desired")
	root.AddChild("method").Text = string(leasestore.MethodDHCP)
	auth := root.AddChild("auth")
	auth.AddChild("security-id").Text = securityID
	auth.AddChild("path").Text = path
	data, err := docxml.Marshal(root)
	if err != nil {
		panic(err)
	}
	return policy.Fragment{Raw: data}
}

func testDevice(index int, name string) inventory.Device {
	return inventory.Device{
		Index:        index,
		Name:         name,
		HardwareAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5},
	}
}

func TestActionLinkUpBringsLinkUp(t *testing.T) {
	drv, fake, _ := newTestDriver(t)
	d := testDevice(1, "eth0")
	w := worker.New(d.Index)
	w.Stage = worker.StageLinkUp

	action := drv.Action(inventory.Handle{}, d, w)
	done, _, err := action()
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, fake.LinkUp("eth0"))
}

func TestActionLinkAuthenticatedSkipsWithNoAuthPolicy(t *testing.T) {
	drv, _, _ := newTestDriver(t)
	d := testDevice(1, "eth0")
	w := worker.New(d.Index)
	w.Stage = worker.StageLinkAuthenticated

	action := drv.Action(inventory.Handle{}, d, w)
	_, _, err := action()
	assert.ErrorIs(t, err, worker.ErrSkipStage)
}

func TestActionLinkAuthenticatedParksOnPendingSecret(t *testing.T) {
	drv, _, policies := newTestDriver(t)
	d := testDevice(1, "eth0")
	policies.Put(policy.Policy{
		ID:       "wifi",
		Fragment: authFragment("wifi:ssid=Foo", "/wireless/psk"),
	})

	w := worker.New(d.Index)
	w.Stage = worker.StageLinkAuthenticated

	action := drv.Action(inventory.Handle{}, d, w)
	done, _, err := action()
	require.NoError(t, err)
	assert.False(t, done)
}

func TestActionAddressAcquiringProgramsStaticAddress(t *testing.T) {
	drv, fake, policies := newTestDriver(t)
	addr := netip.MustParsePrefix("192.168.1.5/24")
	d := testDevice(1, "eth0")
	policies.Put(policy.Policy{ID: "static", Fragment: staticFragment(addr)})

	w := worker.New(d.Index)
	w.Stage = worker.StageAddressAcquiring

	action := drv.Action(inventory.Handle{}, d, w)
	done, _, err := action()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []netip.Prefix{addr}, fake.Addresses("eth0"))

	lease, ok := drv.Leases.GetLease("eth0", leasestore.FamilyIPv4, leasestore.MethodStatic, time.Now())
	require.True(t, ok)
	assert.Equal(t, addr, lease.Address)
}

func TestActionNetworkUpRequiresConfirmedLease(t *testing.T) {
	drv, _, _ := newTestDriver(t)
	d := testDevice(1, "eth0")
	w := worker.New(d.Index)
	w.Stage = worker.StageNetworkUp

	action := drv.Action(inventory.Handle{}, d, w)
	_, _, err := action()
	assert.Error(t, err)
}

func TestActionTeardownReleasesAddress(t *testing.T) {
	drv, fake, policies := newTestDriver(t)
	addr := netip.MustParsePrefix("192.168.1.5/24")
	d := testDevice(1, "eth0")
	policies.Put(policy.Policy{ID: "static", Fragment: staticFragment(addr)})

	w := worker.New(d.Index)
	w.Stage = worker.StageAddressAcquiring
	acquire := drv.Action(inventory.Handle{}, d, w)
	done, _, err := acquire()
	require.NoError(t, err)
	require.True(t, done)

	w.Stage = worker.StageAddressAcquiring
	w.Phase = worker.PhaseTeardown
	w.TargetStage = worker.StageDeviceExists

	teardown := drv.Action(inventory.Handle{}, d, w)
	done, _, err = teardown()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, fake.Addresses("eth0"))
}
