package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicksinger/wicked/internal/addrconf"
	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/inventory"
	"github.com/nicksinger/wicked/internal/kernel"
	"github.com/nicksinger/wicked/internal/leasestore"
	"github.com/nicksinger/wicked/internal/policy"
	"github.com/nicksinger/wicked/internal/secretgw"
	"github.com/nicksinger/wicked/internal/worker"
)

// Driver is the reconciler.StageDriver implementation wiring every stage of
// the per-device FSM to a concrete effect: programming the kernel,
// resolving secrets, and acquiring or confirming addresses.
type Driver struct {
	Logger   *slog.Logger
	Kernel   kernel.Adapter
	Policies *policy.Store
	Leases   *leasestore.Store
	Secrets  *secretgw.Gateway
	Queue    *event.Queue

	// AcquireTimeout bounds how long a single Acquire/Resume call may
	// block the reconciler's Step call for this device. Short by design:
	// the reconciler is single-threaded, so a slow engine call for one
	// device delays every other device's tick.
	AcquireTimeout time.Duration

	mu     sync.Mutex
	leased map[int]leasestore.Lease // deviceIndex -> last confirmed lease this process run
}

func (drv *Driver) acquireTimeout() time.Duration {
	if drv.AcquireTimeout > 0 {
		return drv.AcquireTimeout
	}
	return 15 * time.Second
}

// Action implements reconciler.StageDriver.
func (drv *Driver) Action(h inventory.Handle, d inventory.Device, w *worker.Worker) worker.Action {
	if w.Phase == worker.PhaseTeardown {
		return drv.teardownAction(d, w)
	}

	switch w.Stage {
	case worker.StageDeviceExists:
		return alwaysDone
	case worker.StageDeviceReady:
		return alwaysDone
	case worker.StageLinkAuthenticated:
		return drv.linkAuthenticatedAction(d)
	case worker.StageLinkUp:
		return drv.linkUpAction(d)
	case worker.StageAddressAcquiring:
		return drv.addressAcquiringAction(d)
	case worker.StageNetworkUp:
		return drv.networkUpAction(d)
	default:
		return alwaysDone
	}
}

func alwaysDone() (bool, time.Time, error) {
	return true, time.Time{}, nil
}

func (drv *Driver) desiredFor(d inventory.Device) desiredState {
	p, ok := drv.Policies.Winner(d.Name, d.HardwareAddr, d.Addresses, d.CarrierUp)
	if !ok {
		ds, _ := parseDesiredState(nil)
		return ds
	}
	ds, err := parseDesiredState(p.Fragment.Raw)
	if err != nil {
		drv.Logger.Warn("invalid policy fragment, falling back to dhcp", "device", d.Name, "policy", p.ID, "err", err)
		ds, _ = parseDesiredState(nil)
	}
	return ds
}

// linkAuthenticatedAction resolves a device's secret, if its applicable
// policy declares one (e.g. a WPA passphrase). Devices with no auth
// requirement skip this stage entirely.
func (drv *Driver) linkAuthenticatedAction(d inventory.Device) worker.Action {
	ds := drv.desiredFor(d)
	if !ds.needsAuth() {
		return func() (bool, time.Time, error) { return false, time.Time{}, worker.ErrSkipStage }
	}
	return func() (bool, time.Time, error) {
		res := drv.Secrets.Resolve(ds.SecurityID, ds.SecretPath, d.Index)
		if res.Status == secretgw.StatusResolved {
			return true, time.Time{}, nil
		}
		// Pending: park with no deadline. The worker is rechecked when the
		// secret gateway's KindPromptResponse event arrives for this
		// device.
		return false, time.Time{}, nil
	}
}

func (drv *Driver) linkUpAction(d inventory.Device) worker.Action {
	return func() (bool, time.Time, error) {
		ctx, cancel := context.WithTimeout(context.Background(), drv.acquireTimeout())
		defer cancel()
		if err := drv.Kernel.SetLinkUp(ctx, d.Name, true); err != nil {
			return false, time.Time{}, fmt.Errorf("daemon: bringing up %s: %w", d.Name, err)
		}
		return true, time.Time{}, nil
	}
}

func (drv *Driver) engineFor(ds desiredState) addrconf.Engine {
	switch ds.Method {
	case leasestore.MethodStatic:
		return &addrconf.StaticEngine{Kernel: drv.Kernel, Address: ds.Address, Gateway: ds.Gateway}
	case leasestore.MethodIPv4LL:
		return &addrconf.IPv4LLEngine{Kernel: drv.Kernel}
	case leasestore.MethodAuto:
		return &addrconf.AutoconfEngine{Kernel: drv.Kernel}
	default:
		if ds.Address.Addr().Is6() {
			return &addrconf.DHCPv6Engine{Kernel: drv.Kernel, Timeout: drv.acquireTimeout()}
		}
		return &addrconf.DHCPv4Engine{Kernel: drv.Kernel, Timeout: drv.acquireTimeout()}
	}
}

func familyFor(ds desiredState) leasestore.Family {
	if ds.Address.IsValid() && ds.Address.Addr().Is6() {
		return leasestore.FamilyIPv6
	}
	if ds.Method == leasestore.MethodAuto {
		return leasestore.FamilyIPv6
	}
	return leasestore.FamilyIPv4
}

// addressAcquiringAction resolves (or reuses) a lease for the device's
// desired acquisition method, via Resume when a persisted lease exists and
// is still plausible, falling back to a fresh Acquire otherwise. The
// result is cached in drv.leased so networkUpAction can confirm it without
// re-running protocol exchange.
func (drv *Driver) addressAcquiringAction(d inventory.Device) worker.Action {
	return func() (bool, time.Time, error) {
		ds := drv.desiredFor(d)
		family := familyFor(ds)
		engine := drv.engineFor(ds)

		ctx, cancel := context.WithTimeout(context.Background(), drv.acquireTimeout())
		defer cancel()

		req := leasestore.Request{Device: d.Name, Family: family, Method: ds.Method, Hostname: ds.Hostname}

		var lease leasestore.Lease
		if existing, ok := drv.Leases.GetLease(d.Name, family, ds.Method, time.Now()); ok {
			confirmed, ok, err := engine.Resume(ctx, req, existing)
			if err == nil && ok {
				lease = confirmed
			}
		}

		if !lease.Address.IsValid() {
			acquired, err := engine.Acquire(ctx, req)
			if err != nil {
				return false, time.Time{}, fmt.Errorf("daemon: acquiring address for %s: %w", d.Name, err)
			}
			lease = acquired
		}

		if err := drv.Leases.PutLease(lease); err != nil {
			drv.Logger.Warn("failed to persist lease", "device", d.Name, "err", err)
		}
		if err := drv.Leases.PutRequest(req); err != nil {
			drv.Logger.Warn("failed to persist request", "device", d.Name, "err", err)
		}

		drv.mu.Lock()
		if drv.leased == nil {
			drv.leased = make(map[int]leasestore.Lease)
		}
		drv.leased[d.Index] = lease
		drv.mu.Unlock()

		if drv.Queue != nil {
			drv.Queue.Push(event.KindLeaseAcquired, d.Index, lease)
		}
		return true, time.Time{}, nil
	}
}

func (drv *Driver) networkUpAction(d inventory.Device) worker.Action {
	return func() (bool, time.Time, error) {
		drv.mu.Lock()
		_, ok := drv.leased[d.Index]
		drv.mu.Unlock()
		if !ok {
			return false, time.Time{}, fmt.Errorf("daemon: network up reached for %s with no confirmed lease", d.Name)
		}
		return true, time.Time{}, nil
	}
}

// teardownAction releases whatever the device last held and reports the
// unwind step done immediately; BeginTeardown's own stage bookkeeping
// (reconciler/worker) handles walking back through every stage, so this
// only needs to undo the two stages that have externally visible effects:
// the acquired address and the link's admin state.
func (drv *Driver) teardownAction(d inventory.Device, w *worker.Worker) worker.Action {
	return func() (bool, time.Time, error) {
		ctx, cancel := context.WithTimeout(context.Background(), drv.acquireTimeout())
		defer cancel()

		switch w.Stage {
		case worker.StageAddressAcquiring, worker.StageNetworkUp:
			drv.mu.Lock()
			lease, ok := drv.leased[d.Index]
			delete(drv.leased, d.Index)
			drv.mu.Unlock()
			if ok {
				ds := drv.desiredFor(d)
				engine := drv.engineFor(ds)
				if err := engine.Release(ctx, lease); err != nil {
					drv.Logger.Warn("failed to release lease cleanly", "device", d.Name, "err", err)
				}
			}
		case worker.StageLinkUp:
			if err := drv.Kernel.SetLinkUp(ctx, d.Name, false); err != nil {
				drv.Logger.Warn("failed to bring link down cleanly", "device", d.Name, "err", err)
			}
		}
		return true, time.Time{}, nil
	}
}
