package addrconf

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/nicksinger/wicked/internal/kernel"
	"github.com/nicksinger/wicked/internal/leasestore"
)

// StaticEngine implements Engine for operator-declared static addresses.
// There is no protocol exchange: "acquiring" a static address means
// programming it onto the kernel interface via the kernel adapter, and it
// never expires on its own.
type StaticEngine struct {
	Kernel kernel.Adapter
	// Address is the address to program, supplied by the policy fragment
	// that selected this engine for the device.
	Address netip.Prefix
	Gateway netip.Addr
}

var _ Engine = (*StaticEngine)(nil)

// Acquire programs the configured static address onto the device.
func (e *StaticEngine) Acquire(ctx context.Context, req leasestore.Request) (leasestore.Lease, error) {
	if !e.Address.IsValid() {
		return leasestore.Lease{}, fmt.Errorf("addrconf: static engine has no address configured for %s", req.Device)
	}
	if err := e.Kernel.AddAddress(ctx, req.Device, e.Address); err != nil {
		return leasestore.Lease{}, err
	}
	return leasestore.Lease{
		Device:     req.Device,
		Family:     req.Family,
		Method:     leasestore.MethodStatic,
		Address:    e.Address,
		Gateway:    e.Gateway,
		AcquiredAt: time.Now(),
	}, nil
}

// Resume reprograms the address if it is not already present; a static
// address is always "confirmable" since it carries no expiry. When the
// engine was built with no configured Address (startup recovery, before
// the policy store has been consulted for this device), the lease's own
// address is trusted instead of rejected outright.
func (e *StaticEngine) Resume(
	ctx context.Context,
	req leasestore.Request,
	lease leasestore.Lease,
) (confirmed leasestore.Lease, ok bool, err error) {
	addr := e.Address
	if addr.IsValid() {
		if lease.Address != addr {
			return leasestore.Lease{}, false, nil
		}
	} else {
		addr = lease.Address
	}
	if err := e.Kernel.EnsureAddress(ctx, req.Device, addr); err != nil {
		return leasestore.Lease{}, false, err
	}
	return leasestore.Lease{
		Device:     req.Device,
		Family:     req.Family,
		Method:     leasestore.MethodStatic,
		Address:    addr,
		Gateway:    e.Gateway,
		AcquiredAt: time.Now(),
	}, true, nil
}

// Release removes the static address from the device.
func (e *StaticEngine) Release(ctx context.Context, lease leasestore.Lease) error {
	return e.Kernel.RemoveAddress(ctx, lease.Device, lease.Address)
}
