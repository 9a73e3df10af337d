package recovery_test

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/leasestore"
	"github.com/nicksinger/wicked/internal/recovery"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	resumeOK     bool
	resumeLease  leasestore.Lease
	resumeErr    error
	acquireLease leasestore.Lease
	acquireErr   error
	resumeCalls  int
	acquireCalls int
}

func (f *fakeEngine) Resume(context.Context, leasestore.Request, leasestore.Lease) (leasestore.Lease, bool, error) {
	f.resumeCalls++
	return f.resumeLease, f.resumeOK, f.resumeErr
}

func (f *fakeEngine) Acquire(context.Context, leasestore.Request) (leasestore.Lease, error) {
	f.acquireCalls++
	return f.acquireLease, f.acquireErr
}

type fakeRegistry struct {
	engine *fakeEngine
}

func (r fakeRegistry) EngineFor(leasestore.Method, leasestore.Family) (recovery.Engine, bool) {
	return r.engine, true
}

func seedSlot(t *testing.T, store *leasestore.Store, device string, addr netip.Prefix) {
	t.Helper()
	require.NoError(t, store.PutLease(leasestore.Lease{
		Device:     device,
		Family:     leasestore.FamilyIPv4,
		Method:     leasestore.MethodDHCP,
		Address:    addr,
		AcquiredAt: time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}))
	require.NoError(t, store.PutRequest(leasestore.Request{
		Device: device,
		Family: leasestore.FamilyIPv4,
		Method: leasestore.MethodDHCP,
	}))
}

func TestRunConfirmsResumedLease(t *testing.T) {
	store, err := leasestore.New(t.TempDir())
	require.NoError(t, err)

	addr := netip.MustParsePrefix("192.0.2.10/24")
	seedSlot(t, store, "eth0", addr)

	resumed := leasestore.Lease{
		Device:     "eth0",
		Family:     leasestore.FamilyIPv4,
		Method:     leasestore.MethodDHCP,
		Address:    addr,
		AcquiredAt: time.Now(),
		ExpiresAt:  time.Now().Add(2 * time.Hour),
	}
	engine := &fakeEngine{resumeOK: true, resumeLease: resumed}
	queue := event.NewQueue(8)
	r := recovery.New(discardLogger(), store, fakeRegistry{engine: engine}, queue)

	r.Run(context.Background(), func(name string) (int, bool) { return 7, true })

	assert.Equal(t, 1, engine.resumeCalls)
	assert.Equal(t, 0, engine.acquireCalls)

	var ev event.Event
	select {
	case ev = <-queue.C():
	default:
		t.Fatal("expected an event to be pushed")
	}
	assert.Equal(t, event.KindLeaseAcquired, ev.Kind)
	assert.Equal(t, 7, ev.DeviceIndex)

	persisted, ok := store.GetLease("eth0", leasestore.FamilyIPv4, leasestore.MethodDHCP, time.Now())
	require.True(t, ok)
	assert.Equal(t, resumed.ExpiresAt.Unix(), persisted.ExpiresAt.Unix())
}

func TestRunFallsBackToAcquireAndPersistsFreshLease(t *testing.T) {
	store, err := leasestore.New(t.TempDir())
	require.NoError(t, err)

	addr := netip.MustParsePrefix("192.0.2.10/24")
	seedSlot(t, store, "eth0", addr)

	fresh := leasestore.Lease{
		Device:     "eth0",
		Family:     leasestore.FamilyIPv4,
		Method:     leasestore.MethodDHCP,
		Address:    netip.MustParsePrefix("192.0.2.20/24"),
		AcquiredAt: time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	engine := &fakeEngine{resumeOK: false, acquireLease: fresh}
	queue := event.NewQueue(8)
	r := recovery.New(discardLogger(), store, fakeRegistry{engine: engine}, queue)

	r.Run(context.Background(), func(name string) (int, bool) { return 3, true })

	assert.Equal(t, 1, engine.resumeCalls)
	assert.Equal(t, 1, engine.acquireCalls)

	var ev event.Event
	select {
	case ev = <-queue.C():
	default:
		t.Fatal("expected an event to be pushed")
	}
	assert.Equal(t, event.KindLeaseAcquired, ev.Kind)
	assert.Equal(t, 3, ev.DeviceIndex)

	persisted, ok := store.GetLease("eth0", leasestore.FamilyIPv4, leasestore.MethodDHCP, time.Now())
	require.True(t, ok)
	assert.Equal(t, fresh.Address, persisted.Address)
}

func TestRunSkipsSlotWhenBothResumeAndAcquireFail(t *testing.T) {
	store, err := leasestore.New(t.TempDir())
	require.NoError(t, err)

	addr := netip.MustParsePrefix("192.0.2.10/24")
	seedSlot(t, store, "eth0", addr)

	engine := &fakeEngine{resumeOK: false, acquireErr: assert.AnError}
	queue := event.NewQueue(8)
	r := recovery.New(discardLogger(), store, fakeRegistry{engine: engine}, queue)

	r.Run(context.Background(), func(name string) (int, bool) { return 1, true })

	select {
	case ev := <-queue.C():
		t.Fatalf("unexpected event pushed: %+v", ev)
	default:
	}
}
