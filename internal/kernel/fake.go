package kernel

import (
	"context"
	"net/netip"
	"sync"
)

// Fake is an in-memory Adapter for tests that exercise worker/addrconf/
// reconciler logic without touching the real kernel.
type Fake struct {
	mu        sync.Mutex
	addresses map[string][]netip.Prefix
	linkUp    map[string]bool
	routes    map[string][]netip.Prefix
}

var _ Adapter = (*Fake)(nil)

// NewFake returns an empty Fake adapter.
func NewFake() *Fake {
	return &Fake{
		addresses: make(map[string][]netip.Prefix),
		linkUp:    make(map[string]bool),
		routes:    make(map[string][]netip.Prefix),
	}
}

// AddAddress implements Adapter.
func (f *Fake) AddAddress(_ context.Context, device string, addr netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.addresses[device] {
		if a == addr {
			return nil
		}
	}
	f.addresses[device] = append(f.addresses[device], addr)
	return nil
}

// EnsureAddress implements Adapter.
func (f *Fake) EnsureAddress(ctx context.Context, device string, addr netip.Prefix) error {
	return f.AddAddress(ctx, device, addr)
}

// RemoveAddress implements Adapter.
func (f *Fake) RemoveAddress(_ context.Context, device string, addr netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs := f.addresses[device]
	for i, a := range addrs {
		if a == addr {
			f.addresses[device] = append(addrs[:i], addrs[i+1:]...)
			return nil
		}
	}
	return nil
}

// SetLinkUp implements Adapter.
func (f *Fake) SetLinkUp(_ context.Context, device string, up bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkUp[device] = up
	return nil
}

// AddRoute implements Adapter.
func (f *Fake) AddRoute(_ context.Context, device string, dst netip.Prefix, _ netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[device] = append(f.routes[device], dst)
	return nil
}

// Addresses returns the device's currently programmed addresses, for test
// assertions.
func (f *Fake) Addresses(device string) []netip.Prefix {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.Prefix(nil), f.addresses[device]...)
}

// LinkUp reports whether SetLinkUp(device, true) was the most recent call
// for device.
func (f *Fake) LinkUp(device string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkUp[device]
}
