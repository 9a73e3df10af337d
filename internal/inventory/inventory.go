// Package inventory holds the daemon's view of kernel network devices. A
// device's kernel ifindex is its stable identity; its name is a mutable
// attribute that can change underneath the daemon (interface renames happen
// on real systems, e.g. udev persistent-naming races). The inventory is
// implemented as a dense, generation-tagged slice addressed by a small
// integer Handle rather than a map of pointers, so iteration snapshots stay
// cheap and stable handles survive name churn.
package inventory

import (
	"net"
	"sync"
)

// Handle is a stable reference to a slot in the inventory. It survives
// device renames and even remains valid (but Generation-stale) across a
// forget/re-observe cycle for the same kernel index.
type Handle struct {
	slot       int
	generation uint64
}

// Device is the daemon's record for one kernel network device.
type Device struct {
	Index        int
	Name         string
	HardwareAddr net.HardwareAddr
	CarrierUp    bool
	AdminUp      bool
	Addresses    []net.IPNet
}

type slot struct {
	generation uint64
	occupied   bool
	device     Device
}

// Inventory is the device table. The zero value is not usable; use New.
type Inventory struct {
	mu        sync.RWMutex
	slots     []slot
	byIndex   map[int]int // kernel index -> slot position
	nextGen   uint64
}

// New returns an empty Inventory.
func New() *Inventory {
	return &Inventory{
		byIndex: make(map[int]int),
	}
}

// Observe records or updates a device, returning its Handle. Calling
// Observe for an already-known kernel index updates the record in place and
// returns the existing Handle's slot with a refreshed generation only if the
// slot had been vacated and reused; otherwise the generation is unchanged so
// existing Handles for a device that merely changed name/address stay valid.
func (inv *Inventory) Observe(d Device) Handle {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if pos, ok := inv.byIndex[d.Index]; ok {
		inv.slots[pos].device = d
		return Handle{slot: pos, generation: inv.slots[pos].generation}
	}

	for pos := range inv.slots {
		if !inv.slots[pos].occupied {
			inv.nextGen++
			inv.slots[pos] = slot{generation: inv.nextGen, occupied: true, device: d}
			inv.byIndex[d.Index] = pos
			return Handle{slot: pos, generation: inv.nextGen}
		}
	}

	inv.nextGen++
	inv.slots = append(inv.slots, slot{generation: inv.nextGen, occupied: true, device: d})
	pos := len(inv.slots) - 1
	inv.byIndex[d.Index] = pos
	return Handle{slot: pos, generation: inv.nextGen}
}

// Forget removes a device from the inventory. Handles issued for it become
// stale: Lookup calls against them return ok=false.
func (inv *Inventory) Forget(index int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	pos, ok := inv.byIndex[index]
	if !ok {
		return
	}
	inv.slots[pos] = slot{}
	delete(inv.byIndex, index)
}

// Lookup resolves a Handle to its current Device. ok is false if the handle
// is stale (the slot was vacated and possibly reused since it was issued).
func (inv *Inventory) Lookup(h Handle) (d Device, ok bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if h.slot < 0 || h.slot >= len(inv.slots) {
		return Device{}, false
	}
	s := inv.slots[h.slot]
	if !s.occupied || s.generation != h.generation {
		return Device{}, false
	}
	return s.device, true
}

// LookupByIndex resolves a kernel ifindex to its Device and Handle.
func (inv *Inventory) LookupByIndex(index int) (d Device, h Handle, ok bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	pos, found := inv.byIndex[index]
	if !found {
		return Device{}, Handle{}, false
	}
	s := inv.slots[pos]
	return s.device, Handle{slot: pos, generation: s.generation}, true
}

// LookupByName resolves a device by its current name. Names are not unique
// identity, so this is a linear scan over the live snapshot; callers on the
// hot path should prefer LookupByIndex with a kernel index obtained from a
// netlink message.
func (inv *Inventory) LookupByName(name string) (d Device, h Handle, ok bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	for pos, s := range inv.slots {
		if s.occupied && s.device.Name == name {
			return s.device, Handle{slot: pos, generation: s.generation}, true
		}
	}
	return Device{}, Handle{}, false
}

// Iter calls fn for every currently occupied device, in slot order. fn must
// not call back into the Inventory; Iter holds a read lock for its duration
// and takes a copy of each Device so fn cannot observe a torn write.
func (inv *Inventory) Iter(fn func(Handle, Device)) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	for pos, s := range inv.slots {
		if s.occupied {
			fn(Handle{slot: pos, generation: s.generation}, s.device)
		}
	}
}

// Len returns the number of currently occupied device slots.
func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	n := 0
	for _, s := range inv.slots {
		if s.occupied {
			n++
		}
	}
	return n
}
