package reconciler_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/inventory"
	"github.com/nicksinger/wicked/internal/policy"
	"github.com/nicksinger/wicked/internal/reconciler"
	"github.com/nicksinger/wicked/internal/worker"
)

// alwaysDoneDriver advances every worker straight to STEADY in one Step,
// simulating a device with nothing left to configure.
type alwaysDoneDriver struct{}

func (alwaysDoneDriver) Action(_ inventory.Handle, _ inventory.Device, _ *worker.Worker) worker.Action {
	return func() (bool, time.Time, error) {
		return true, time.Time{}, nil
	}
}

func TestBootstrapDiscoversExistingDevices(t *testing.T) {
	inv := inventory.New()
	inv.Observe(inventory.Device{Index: 1, Name: "eth0"})

	r := reconciler.New(slog.Default(), event.NewQueue(8), inv, policy.New(), alwaysDoneDriver{})
	r.Bootstrap()
	r.Recheck(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go r.Run(ctx)

	<-ctx.Done()
}

func TestRecheckCoalescesDuplicateRequests(t *testing.T) {
	inv := inventory.New()
	inv.Observe(inventory.Device{Index: 2, Name: "eth1"})

	r := reconciler.New(slog.Default(), event.NewQueue(8), inv, policy.New(), alwaysDoneDriver{})
	r.Recheck(2)
	r.Recheck(2)
	r.Recheck(2)

	// No panic/deadlock from coalescing duplicate entries in the set.
	assert.NotPanics(t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		r.Run(ctx)
	})
}

// failThenSucceedDriver fails every Action until failures reaches target,
// then succeeds.
type failThenSucceedDriver struct {
	target int
	tries  int
}

func (d *failThenSucceedDriver) Action(_ inventory.Handle, _ inventory.Device, _ *worker.Worker) worker.Action {
	return func() (bool, time.Time, error) {
		d.tries++
		if d.tries <= d.target {
			return false, time.Time{}, assert.AnError
		}
		return true, time.Time{}, nil
	}
}

type fakeStateStore struct {
	puts    map[int]int
	cleared map[int]int
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{puts: make(map[int]int), cleared: make(map[int]int)}
}

func (f *fakeStateStore) PutRetryCount(deviceIndex int, count int) error {
	f.puts[deviceIndex] = count
	return nil
}

func (f *fakeStateStore) ClearRetryCount(deviceIndex int) error {
	f.cleared[deviceIndex]++
	return nil
}

func TestStateStoreRecordsRetryCountOnFailure(t *testing.T) {
	inv := inventory.New()
	inv.Observe(inventory.Device{Index: 4, Name: "eth3"})

	driver := &failThenSucceedDriver{target: 2}
	state := newFakeStateStore()

	r := reconciler.New(slog.Default(), event.NewQueue(8), inv, policy.New(), driver)
	r.SetStateStore(state)
	r.Bootstrap()
	r.Recheck(4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	assert.GreaterOrEqual(t, state.puts[4], 1)
}

func TestRequestDownBeginsTeardown(t *testing.T) {
	inv := inventory.New()
	inv.Observe(inventory.Device{Index: 3, Name: "eth2"})

	r := reconciler.New(slog.Default(), event.NewQueue(8), inv, policy.New(), alwaysDoneDriver{})
	r.Bootstrap()
	r.RequestDown(3, worker.StageDeviceExists)

	require.NotPanics(t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		r.Run(ctx)
	})
}
