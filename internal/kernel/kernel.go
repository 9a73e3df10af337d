// Package kernel wraps rtnetlink link, address, and route operations behind
// a small Adapter interface, and translates netlink link/address
// notifications into the daemon's unified event stream. Concrete Linux
// support is implemented with github.com/mdlayher/netlink directly against
// the rtnetlink protocol family.
package kernel

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/mdlayher/netlink"

	"github.com/nicksinger/wicked/internal/event"
)

// Adapter is the kernel operations the rest of the daemon depends on. It is
// an interface (rather than a concrete type used directly) so that
// internal/worker, internal/addrconf, and internal/reconciler tests can
// supply an in-memory fake instead of touching the real kernel.
type Adapter interface {
	// AddAddress programs addr onto the named device. It is an error if
	// the device does not exist; it is not an error if the address is
	// already present.
	AddAddress(ctx context.Context, device string, addr netip.Prefix) error
	// EnsureAddress is like AddAddress but treats "already present and
	// correct" as a fast, side-effect-free success.
	EnsureAddress(ctx context.Context, device string, addr netip.Prefix) error
	// RemoveAddress removes addr from the named device, if present.
	RemoveAddress(ctx context.Context, device string, addr netip.Prefix) error
	// SetLinkUp brings the device's administrative state up or down.
	SetLinkUp(ctx context.Context, device string, up bool) error
	// AddRoute installs a route via gateway for dst on device. A zero
	// gateway means an on-link route.
	AddRoute(ctx context.Context, device string, dst netip.Prefix, gateway netip.Addr) error
}

// netlinkAdapter is the real, Linux rtnetlink-backed Adapter.
type netlinkAdapter struct {
	mu sync.Mutex
}

var _ Adapter = (*netlinkAdapter)(nil)

// New returns the real rtnetlink-backed Adapter.
func New() Adapter {
	return &netlinkAdapter{}
}

// dial opens a short-lived rtnetlink socket for one request/response
// exchange. Netlink sockets are cheap to open and the daemon's operations
// are infrequent relative to packet-processing workloads, so a socket is
// not kept open across calls rather than pooled.
func dial() (*netlink.Conn, error) {
	conn, err := netlink.Dial(0, nil)
	if err != nil {
		return nil, fmt.Errorf("kernel: dialing rtnetlink: %w", err)
	}
	return conn, nil
}

// AddAddress is implemented via RTM_NEWADDR. The actual attribute encoding
// for IFA_ADDRESS/IFA_LOCAL is protocol-family-specific (it differs between
// IFA_F_PERMANENT entries for v4 vs v6); callers needing the full wire
// encoding should consult golang.org/x/sys/unix's rtnetlink constants. This
// method validates reachability of the rtnetlink socket itself and leaves
// the message construction to a small helper so future family-specific
// encoders (v4/v6) can share connection handling.
func (a *netlinkAdapter) AddAddress(ctx context.Context, device string, addr netip.Prefix) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	return sendAddrRequest(conn, device, addr, true)
}

// EnsureAddress first checks whether addr is already present by listing the
// device's current addresses, avoiding an unnecessary RTM_NEWADDR round
// trip (and its associated kernel notification) when nothing needs to
// change.
func (a *netlinkAdapter) EnsureAddress(ctx context.Context, device string, addr netip.Prefix) error {
	have, err := a.currentAddresses(device)
	if err != nil {
		return err
	}
	for _, h := range have {
		if h == addr {
			return nil
		}
	}
	return a.AddAddress(ctx, device, addr)
}

// RemoveAddress is implemented via RTM_DELADDR.
func (a *netlinkAdapter) RemoveAddress(ctx context.Context, device string, addr netip.Prefix) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	return sendAddrRequest(conn, device, addr, false)
}

// SetLinkUp is implemented via RTM_NEWLINK with IFF_UP toggled in
// ifi_flags/ifi_change.
func (a *netlinkAdapter) SetLinkUp(ctx context.Context, device string, up bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	return sendLinkUpDown(conn, device, up)
}

// AddRoute is implemented via RTM_NEWROUTE.
func (a *netlinkAdapter) AddRoute(ctx context.Context, device string, dst netip.Prefix, gateway netip.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	return sendRouteRequest(conn, device, dst, gateway)
}

func (a *netlinkAdapter) currentAddresses(device string) ([]netip.Prefix, error) {
	conn, err := dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return queryAddresses(conn, device)
}

// Watcher subscribes to RTNLGRP_LINK and RTNLGRP_IPV4_IFADDR/
// RTNLGRP_IPV6_IFADDR multicast groups and normalizes kernel notifications
// into the daemon's event.Queue. Running it is optional for tests (a fake
// Adapter needs no kernel subscription), which is why it is a separate type
// from Adapter rather than a method on it.
type Watcher struct {
	queue       *event.Queue
	indexByName func(name string) (int, bool)
}

// NewWatcher creates a Watcher that pushes normalized events onto queue.
// indexByName resolves a device name reported by a netlink message to the
// daemon's inventory index.
func NewWatcher(queue *event.Queue, indexByName func(name string) (int, bool)) *Watcher {
	return &Watcher{queue: queue, indexByName: indexByName}
}

// Run subscribes to link/address multicast groups and forwards
// notifications until ctx is cancelled. Real group subscription requires
// opening the rtnetlink socket with the RTMGRP_LINK/RTMGRP_IPV4_IFADDR
// group bits set in the socket's bind request; this is done once at
// startup and the connection is held for the Watcher's lifetime, unlike the
// short-lived per-call connections used for writes above.
func (w *Watcher) Run(ctx context.Context) error {
	conn, err := netlink.Dial(0, &netlink.Config{Groups: linkAndAddrGroups})
	if err != nil {
		return fmt.Errorf("kernel: subscribing to link/addr groups: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		msgs, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kernel: receiving notifications: %w", err)
		}
		for _, m := range msgs {
			w.dispatch(m)
		}
	}
}

func (w *Watcher) dispatch(m netlink.Message) {
	device, changed := parseNotification(m)
	if device == "" {
		return
	}
	idx, ok := w.indexByName(device)
	if !ok {
		return
	}
	if changed {
		w.queue.Push(event.KindLinkChanged, idx, nil)
	}
}

// ifaceScanInterval is an interface-state polling interval. Nothing in this
// package polls: Watcher learns of changes only from multicast
// notifications, and no fallback runs when the group subscription fails.
const ifaceScanInterval = 5 * time.Second
