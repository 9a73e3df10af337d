// Package reconciler implements the daemon's single-threaded scheduler
// loop: it drains the recheck and down queues, coalesces duplicate
// rechecks for the same device, steps each device's worker, and computes
// the earliest wakeup deadline across all parked workers so the process can
// sleep instead of busy-polling.
package reconciler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/inventory"
	"github.com/nicksinger/wicked/internal/leasestore"
	"github.com/nicksinger/wicked/internal/policy"
	"github.com/nicksinger/wicked/internal/worker"
)

// StageDriver resolves the Action to run for a (device, stage, phase)
// triple. The reconciler itself has no domain knowledge of what it means to
// "enter LINK_UP" — that knowledge lives in the driver supplied by
// cmd/netifd, which closes over the kernel adapter, addrconf engines, and
// secret gateway.
type StageDriver interface {
	Action(h inventory.Handle, d inventory.Device, w *worker.Worker) worker.Action
}

// Reconciler owns the inventory, worker table, and policy store, and runs
// the tick loop that keeps them converged.
type Reconciler struct {
	logger  *slog.Logger
	queue   *event.Queue
	inv     *inventory.Inventory
	policies *policy.Store
	driver  StageDriver

	// mu guards every field below. The reconciler is single-threaded in
	// the sense that worker state only ever advances from within tick
	// (run from Run's goroutine), but Recheck/RequestDown are also part
	// of internal/rpc.Backend and so are called directly from HTTP
	// handler goroutines; mu serializes those signals against a tick in
	// progress instead of racing the same maps and worker fields.
	mu sync.Mutex

	workers map[int]*worker.Worker // by device index

	recheckSet map[int]struct{}
	downSet    map[int]struct{}

	leases *leasestore.Store
	state  StateStore
}

// StateStore persists per-device crash-recovery state: how many consecutive
// times a worker has failed at its current stage. It is optional. The
// reconciler only writes these counts; nothing reads them back at startup,
// so a restarted worker's backoff starts again from its first retry whether
// or not a store is set.
type StateStore interface {
	PutRetryCount(deviceIndex int, count int) error
	ClearRetryCount(deviceIndex int) error
}

// New creates a Reconciler. driver must not be nil.
func New(
	logger *slog.Logger,
	queue *event.Queue,
	inv *inventory.Inventory,
	policies *policy.Store,
	driver StageDriver,
) *Reconciler {
	return &Reconciler{
		logger:     logger,
		queue:      queue,
		inv:        inv,
		policies:   policies,
		driver:     driver,
		workers:    make(map[int]*worker.Worker),
		recheckSet: make(map[int]struct{}),
		downSet:    make(map[int]struct{}),
	}
}

// SetLeaseStore wires the lease store InstallLease persists into. It is
// optional: without one, InstallLease parses the document and rechecks the
// device but persists nothing.
func (r *Reconciler) SetLeaseStore(store *leasestore.Store) {
	r.leases = store
}

// SetStateStore wires the crash-recovery journal retry counts are persisted
// into. Like SetLeaseStore, it is optional.
func (r *Reconciler) SetStateStore(store StateStore) {
	r.state = store
}

// Bootstrap discovers all currently-known devices before the tick loop
// starts processing events, so that devices which existed before the daemon
// started are not treated as "newly appeared" relative to any queued event.
// This mirrors the nanny daemon's startup ordering: enumerate first, react
// second.
func (r *Reconciler) Bootstrap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inv.Iter(func(h inventory.Handle, d inventory.Device) {
		r.workerForLocked(d.Index)
	})
}

// workerForLocked returns (creating if necessary) the worker for index. The
// caller must hold r.mu.
func (r *Reconciler) workerForLocked(index int) *worker.Worker {
	w, ok := r.workers[index]
	if !ok {
		w = worker.New(index)
		r.workers[index] = w
	}
	return w
}

// Recheck schedules a device for re-evaluation on the next tick. Calling it
// multiple times for the same device before the next tick coalesces into a
// single re-evaluation.
func (r *Reconciler) Recheck(deviceIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recheckSet[deviceIndex] = struct{}{}
}

// RequestDown schedules a device for teardown to target on the next tick.
func (r *Reconciler) RequestDown(deviceIndex int, target worker.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downSet[deviceIndex] = struct{}{}
	w := r.workerForLocked(deviceIndex)
	w.BeginTeardown(target)
}

// Run drains the event queue and steps workers until ctx is cancelled. It
// implements the tick algorithm: (1) drain queued events, updating the
// recheck/down sets and inventory as appropriate, (2) process the down set,
// (3) process the recheck set (deduplicated), (4) step every non-idle
// worker once, (5) compute the earliest deadline across parked workers,
// (6) sleep until that deadline or until a new event arrives.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue.C():
			r.handleEvent(ev)
		default:
		}

		r.tick()

		deadline := r.earliestDeadline()
		var timer *time.Timer
		var timerC <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case ev := <-r.queue.C():
			stopTimer(timer)
			r.handleEvent(ev)
		case <-timerC:
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (r *Reconciler) handleEvent(ev event.Event) {
	switch ev.Kind {
	case event.KindLinkChanged, event.KindLeaseAcquired, event.KindLeaseLost,
		event.KindPromptResponse, event.KindTimerExpired:
		r.Recheck(ev.DeviceIndex)
	case event.KindPolicyChanged:
		r.inv.Iter(func(_ inventory.Handle, d inventory.Device) {
			r.Recheck(d.Index)
		})
	case event.KindRecheckRequested:
		r.Recheck(ev.DeviceIndex)
	case event.KindDownRequested:
		r.RequestDown(ev.DeviceIndex, worker.StageDeviceExists)
	}
}

// tick runs one pass of the down/recheck queues against every worker they
// name. It holds r.mu for its entire duration: the reconciler is
// single-threaded by design, so a tick in progress simply makes an
// RPC-triggered Recheck/RequestDown wait briefly rather than racing the
// worker table.
func (r *Reconciler) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for idx := range r.downSet {
		r.step(idx)
	}
	clear(r.downSet)

	for idx := range r.recheckSet {
		r.step(idx)
	}
	clear(r.recheckSet)
}

// step must be called with r.mu held.
func (r *Reconciler) step(index int) {
	d, h, ok := r.inv.LookupByIndex(index)
	if !ok {
		delete(r.workers, index)
		return
	}

	w := r.workerForLocked(index)
	if w.Phase == worker.PhaseFailed {
		if time.Now().Before(w.Deadline()) {
			return
		}
		w.Retry()
	}
	if w.Done() {
		return
	}

	action := r.driver.Action(h, d, w)
	deadline := w.Step(action)
	if !deadline.IsZero() {
		// Parked with a concrete wakeup; nothing further to do this tick.
		_ = deadline
	}

	if r.state != nil {
		if w.Phase == worker.PhaseFailed {
			if err := r.state.PutRetryCount(index, w.Retries()); err != nil {
				r.logger.Warn("persisting retry count", "device", index, "err", err)
			}
		} else {
			if err := r.state.ClearRetryCount(index); err != nil {
				r.logger.Warn("clearing retry count", "device", index, "err", err)
			}
		}
	}
}

func (r *Reconciler) earliestDeadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	var earliest time.Time
	for _, w := range r.workers {
		if w.Phase == worker.PhaseFailed {
			earliest = event.Earliest(earliest, w.Deadline())
		}
	}
	return earliest
}

// The methods below satisfy internal/rpc.Backend, letting cmd/netifd pass
// the Reconciler itself to rpc.New instead of writing a separate adapter:
// the reconciler already owns the one copy of inventory/policy state an RPC
// handler is allowed to read.

// Devices returns a snapshot of every currently known device.
func (r *Reconciler) Devices() []inventory.Device {
	var out []inventory.Device
	r.inv.Iter(func(_ inventory.Handle, d inventory.Device) {
		out = append(out, d)
	})
	return out
}

// DeviceByIdent resolves ident as a device name first, then as a numeric
// kernel index, matching the CLI's "show <ifname>" and "ifup <index>" both
// working against the same endpoint.
func (r *Reconciler) DeviceByIdent(ident string) (inventory.Device, bool) {
	if d, _, ok := r.inv.LookupByName(ident); ok {
		return d, true
	}
	if idx, err := strconv.Atoi(ident); err == nil {
		if d, _, ok := r.inv.LookupByIndex(idx); ok {
			return d, true
		}
	}
	return inventory.Device{}, false
}

// IfUp requests a recheck of deviceIndex, letting the worker progress
// toward STEADY on the next tick.
func (r *Reconciler) IfUp(deviceIndex int) error {
	r.Recheck(deviceIndex)
	return nil
}

// IfDown tears deviceIndex down to DEVICE_EXISTS, or all the way out of the
// worker table (delete) if the device has also disappeared from the
// kernel.
func (r *Reconciler) IfDown(deviceIndex int, delete bool) error {
	target := worker.StageDeviceExists
	r.RequestDown(deviceIndex, target)
	if delete {
		r.inv.Forget(deviceIndex)
	}
	return nil
}

// InstallLease parses an operator-submitted tag-tree lease document,
// persists it, and schedules the device for recheck so its worker picks up
// the freshly installed address on the next tick.
func (r *Reconciler) InstallLease(deviceIndex int, raw []byte) error {
	l, err := leasestore.ParseLease(raw)
	if err != nil {
		return err
	}
	if r.leases != nil {
		if err := r.leases.PutLease(l); err != nil {
			return err
		}
	}
	r.Recheck(deviceIndex)
	return nil
}

// PutPolicy inserts or replaces a policy and rechecks every device, since
// any device's applicable policy may have changed.
func (r *Reconciler) PutPolicy(p policy.Policy) error {
	r.policies.Put(p)
	r.inv.Iter(func(_ inventory.Handle, d inventory.Device) {
		r.Recheck(d.Index)
	})
	return nil
}

// DeletePolicy removes a policy by ID and rechecks every device.
func (r *Reconciler) DeletePolicy(id string) error {
	r.policies.Delete(id)
	r.inv.Iter(func(_ inventory.Handle, d inventory.Device) {
		r.Recheck(d.Index)
	})
	return nil
}

// ListPolicies returns every policy currently in the store.
func (r *Reconciler) ListPolicies() []policy.Policy {
	return r.policies.List()
}
