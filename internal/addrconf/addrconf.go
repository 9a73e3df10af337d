// Package addrconf implements the daemon's address-configuration engines:
// the drivers that actually acquire, renew, and release addresses for a
// device using a declared method (DHCPv4, DHCPv6, IPv4 link-local,
// static, or router-advertisement autoconfiguration). The worker FSM and
// recovery package only see the small Engine interface; each concrete
// engine owns its own protocol machinery.
package addrconf

import (
	"context"

	"github.com/nicksinger/wicked/internal/leasestore"
)

// Engine is implemented by every address-configuration driver.
type Engine interface {
	// Acquire starts fresh acquisition for req, blocking until either a
	// lease is obtained or ctx is cancelled.
	Acquire(ctx context.Context, req leasestore.Request) (leasestore.Lease, error)
	// Resume attempts to continue using an existing lease (e.g. a DHCP
	// RENEW/INIT-REBOOT, or simply re-verifying a static/ipv4ll address is
	// still present on the interface) without disrupting it if it is
	// already live. ok=false means the caller should fall back to
	// Acquire.
	Resume(ctx context.Context, req leasestore.Request, lease leasestore.Lease) (confirmed leasestore.Lease, ok bool, err error)
	// Release gives up a held lease (DHCP RELEASE, or simply forgetting a
	// static/ipv4ll address).
	Release(ctx context.Context, lease leasestore.Lease) error
}

// Registry maps acquisition methods to the Engine responsible for them. It
// is keyed by method only and does not satisfy internal/recovery.Registry,
// which resolves by method and family (internal/daemon.Registry does).
type Registry struct {
	engines map[leasestore.Method]Engine
}

// NewRegistry builds a Registry from the given method->engine bindings.
func NewRegistry(bindings map[leasestore.Method]Engine) *Registry {
	r := &Registry{engines: make(map[leasestore.Method]Engine, len(bindings))}
	for m, e := range bindings {
		r.engines[m] = e
	}
	return r
}

// EngineFor resolves the Engine for a method.
func (r *Registry) EngineFor(method leasestore.Method) (Engine, bool) {
	e, ok := r.engines[method]
	return e, ok
}
