package addrconf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/nicksinger/wicked/internal/kernel"
	"github.com/nicksinger/wicked/internal/leasestore"
)

// AutoconfEngine implements stateless address autoconfiguration (SLAAC):
// the kernel itself forms addresses from received router advertisements
// once the link is up, so this engine's job is narrower than the others —
// observe what the kernel already assigned rather than drive a protocol
// exchange, matching the fact that RA processing is not something this
// daemon implements (see spec Non-goals on not reimplementing protocol
// engines the kernel already owns).
type AutoconfEngine struct {
	Kernel kernel.Adapter
	// PollInterval bounds how long Acquire waits for the kernel to form an
	// address after the link comes up.
	PollInterval time.Duration
	MaxAttempts  int
}

var _ Engine = (*AutoconfEngine)(nil)

func (e *AutoconfEngine) pollInterval() time.Duration {
	if e.PollInterval <= 0 {
		return 500 * time.Millisecond
	}
	return e.PollInterval
}

func (e *AutoconfEngine) maxAttempts() int {
	if e.MaxAttempts <= 0 {
		return 10
	}
	return e.MaxAttempts
}

// Acquire polls the device's addresses for a global or unique-local IPv6
// address the kernel assigned via SLAAC.
func (e *AutoconfEngine) Acquire(ctx context.Context, req leasestore.Request) (leasestore.Lease, error) {
	for attempt := 0; attempt < e.maxAttempts(); attempt++ {
		if addr, ok := e.slaacAddress(req.Device); ok {
			return leasestore.Lease{
				Device:     req.Device,
				Family:     leasestore.FamilyIPv6,
				Method:     leasestore.MethodAuto,
				Address:    addr,
				AcquiredAt: time.Now(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return leasestore.Lease{}, ctx.Err()
		case <-time.After(e.pollInterval()):
		}
	}
	return leasestore.Lease{}, fmt.Errorf("addrconf: autoconf: no SLAAC address appeared on %s", req.Device)
}

// Resume re-observes the current kernel-assigned address; since SLAAC
// addresses are owned by the kernel's own RA processing rather than by
// this daemon, resumption is always either "still there" or "acquire
// again," never a protocol-level renew.
func (e *AutoconfEngine) Resume(
	ctx context.Context,
	req leasestore.Request,
	lease leasestore.Lease,
) (confirmed leasestore.Lease, ok bool, err error) {
	addr, found := e.slaacAddress(req.Device)
	if !found || addr != lease.Address {
		return leasestore.Lease{}, false, nil
	}
	return leasestore.Lease{
		Device:     req.Device,
		Family:     leasestore.FamilyIPv6,
		Method:     leasestore.MethodAuto,
		Address:    addr,
		AcquiredAt: time.Now(),
	}, true, nil
}

// Release is a no-op: the kernel owns SLAAC address lifecycle, not this
// daemon, so there is nothing for the daemon to withdraw.
func (e *AutoconfEngine) Release(context.Context, leasestore.Lease) error {
	return nil
}

func (e *AutoconfEngine) slaacAddress(device string) (netip.Prefix, bool) {
	iface, err := net.InterfaceByName(device)
	if err != nil {
		return netip.Prefix{}, false
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Prefix{}, false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.To4() != nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP.To16())
		if !ok || ip.IsLinkLocalUnicast() {
			continue
		}
		ones, _ := ipNet.Mask.Size()
		return netip.PrefixFrom(ip, ones), true
	}
	return netip.Prefix{}, false
}
