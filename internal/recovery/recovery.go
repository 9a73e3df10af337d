// Package recovery drives the daemon's startup lease recovery sequence: for
// every lease slot found on disk, read the lease and its original request,
// mark it for resumption rather than fresh acquisition, hand it to the
// matching address-configuration engine, and only confirm the device as
// having a live lease once the engine reports the resumption actually
// succeeded — all without ever disrupting an address that is still live on
// the interface.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/leasestore"
)

// Engine is the subset of internal/addrconf's engine interface recovery
// needs: resume an existing lease, or fall back to a fresh request.
type Engine interface {
	// Resume attempts to continue using an existing lease (e.g. issuing a
	// DHCP RENEW against it). ok=false means the lease could not be
	// confirmed and the caller should fall back to Acquire.
	Resume(ctx context.Context, req leasestore.Request, lease leasestore.Lease) (confirmed leasestore.Lease, ok bool, err error)
	// Acquire starts fresh acquisition for a request that has no (or an
	// untrustworthy) existing lease.
	Acquire(ctx context.Context, req leasestore.Request) (leasestore.Lease, error)
}

// Registry resolves the Engine responsible for a given acquisition method
// and address family. Family is needed alongside method because DHCPv4 and
// DHCPv6 share the same Method value (leasestore.MethodDHCP) and are
// distinguished only by which family the persisted slot recorded.
type Registry interface {
	EngineFor(method leasestore.Method, family leasestore.Family) (Engine, bool)
}

// Recovery runs the startup sequence against a Store and Registry,
// publishing lease-acquired events onto queue only for confirmed
// resumptions.
type Recovery struct {
	logger   *slog.Logger
	store    *leasestore.Store
	registry Registry
	queue    *event.Queue
}

// New creates a Recovery.
func New(logger *slog.Logger, store *leasestore.Store, registry Registry, queue *event.Queue) *Recovery {
	return &Recovery{logger: logger, store: store, registry: registry, queue: queue}
}

// Run executes the 6-step recovery algorithm over every slot currently on
// disk:
//
//  1. enumerate lease slots;
//  2. for each, read the lease and its original request — skip the slot
//     entirely if either is missing or untrustworthy, since there is
//     nothing safe to resume;
//  3. mark the request as a resumption rather than a fresh acquisition;
//  4. submit it to the matching engine's Resume;
//  5. on confirmation, persist the (possibly renewed) lease and emit a
//     synthetic lease-acquired event;
//  6. on failure to confirm, fall back to Acquire without ever tearing
//     down whatever address the interface currently holds — Acquire is
//     called without removing that address first (the INIT-REBOOT-style
//     attempt is DHCPv4's Resume, step 4).
func (r *Recovery) Run(ctx context.Context, deviceIndexOf func(name string) (int, bool)) {
	slots, err := r.store.Slots()
	if err != nil {
		r.logger.ErrorContext(ctx, "listing lease slots", "err", err)
		return
	}

	now := time.Now()
	for _, slot := range slots {
		lease, ok := r.store.GetLease(slot.Device, slot.Family, slot.Method, now)
		if !ok {
			r.logger.DebugContext(ctx, "skipping untrustworthy lease", "device", slot.Device,
				"family", slot.Family, "method", slot.Method)
			continue
		}
		req, ok := r.store.GetRequest(slot.Device, slot.Family, slot.Method)
		if !ok {
			r.logger.DebugContext(ctx, "skipping lease with no matching request", "device", slot.Device)
			continue
		}

		engine, ok := r.registry.EngineFor(slot.Method, slot.Family)
		if !ok {
			r.logger.WarnContext(ctx, "no engine for acquisition method", "method", slot.Method)
			continue
		}

		confirmed, ok, err := engine.Resume(ctx, req, lease)
		if err != nil {
			r.logger.WarnContext(ctx, "resuming lease failed", "device", slot.Device, "err", err)
		}
		if !ok {
			r.logger.InfoContext(ctx, "could not confirm resumed lease, falling back to fresh acquisition",
				"device", slot.Device, "family", slot.Family, "method", slot.Method)
			fresh, err := engine.Acquire(ctx, req)
			if err != nil {
				r.logger.WarnContext(ctx, "fresh acquisition failed", "device", slot.Device, "err", err)
				continue
			}
			if err := r.store.PutLease(fresh); err != nil {
				r.logger.WarnContext(ctx, "persisting freshly acquired lease", "device", slot.Device, "err", err)
			}
			if idx, ok := deviceIndexOf(slot.Device); ok {
				r.queue.Push(event.KindLeaseAcquired, idx, fresh)
			}
			continue
		}

		if err := r.store.PutLease(confirmed); err != nil {
			r.logger.WarnContext(ctx, "persisting resumed lease", "device", slot.Device, "err", err)
		}

		idx, ok := deviceIndexOf(slot.Device)
		if !ok {
			continue
		}
		r.queue.Push(event.KindLeaseAcquired, idx, confirmed)
	}
}
