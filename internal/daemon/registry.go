package daemon

import (
	"time"

	"github.com/nicksinger/wicked/internal/addrconf"
	"github.com/nicksinger/wicked/internal/kernel"
	"github.com/nicksinger/wicked/internal/leasestore"
	"github.com/nicksinger/wicked/internal/recovery"
)

// Registry resolves addrconf engines by acquisition method and family
// alone, for use by recovery.Recovery at startup, before the reconciler
// has consulted the policy store for any device's desired state. A static
// lease recovered this way carries no address of its own to reprogram
// (the persisted Request has none), so it can only be resumed against the
// address already recorded in its lease file — a fresh reacquisition falls
// through to ordinary reconciliation once the reconciler starts and
// resolves the device's policy fragment.
type Registry struct {
	Kernel  kernel.Adapter
	Timeout time.Duration
}

var _ recovery.Registry = Registry{}

func (r Registry) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 15 * time.Second
}

// EngineFor implements recovery.Registry.
func (r Registry) EngineFor(method leasestore.Method, family leasestore.Family) (recovery.Engine, bool) {
	switch method {
	case leasestore.MethodStatic:
		return &addrconf.StaticEngine{Kernel: r.Kernel}, true
	case leasestore.MethodIPv4LL:
		return &addrconf.IPv4LLEngine{Kernel: r.Kernel}, true
	case leasestore.MethodAuto:
		return &addrconf.AutoconfEngine{Kernel: r.Kernel}, true
	case leasestore.MethodDHCP:
		if family == leasestore.FamilyIPv6 {
			return &addrconf.DHCPv6Engine{Kernel: r.Kernel, Timeout: r.timeout()}, true
		}
		return &addrconf.DHCPv4Engine{Kernel: r.Kernel, Timeout: r.timeout()}, true
	default:
		return nil, false
	}
}
