// Package policy implements the ordered predicate/priority policy store
// described by the daemon's reconciliation model: operators publish
// configuration fragments scoped by a device-matching predicate, and the
// store resolves, for any given device, the single highest-priority
// fragment that applies — ties break by insertion order, oldest first.
package policy

import (
	"net"
	"net/netip"
	"path"
	"sync"
)

// Predicate selects which devices a Policy applies to. The zero Predicate
// matches every device; each non-zero field narrows the match, and all
// non-zero fields must match (logical AND).
type Predicate struct {
	// NameGlob is matched against the device name with path.Match syntax
	// ("eth*", "wlan0"). Empty means "any name".
	NameGlob string
	// HardwareAddr, if non-nil, must equal the device's hardware address
	// exactly.
	HardwareAddr net.HardwareAddr
	// CIDR, if valid, requires at least one of the device's addresses to
	// fall inside it.
	CIDR netip.Prefix
	// RequireCarrier, if true, requires the device to currently report a
	// carrier.
	RequireCarrier bool
}

// Matches reports whether p selects the given device attributes.
func (p Predicate) Matches(name string, hwAddr net.HardwareAddr, addrs []net.IPNet, carrierUp bool) bool {
	if p.NameGlob != "" {
		if ok, err := path.Match(p.NameGlob, name); err != nil || !ok {
			return false
		}
	}
	if p.HardwareAddr != nil {
		if hwAddr == nil || hwAddr.String() != p.HardwareAddr.String() {
			return false
		}
	}
	if p.CIDR.IsValid() {
		found := false
		for _, a := range addrs {
			ip, ok := netip.AddrFromSlice(a.IP)
			if !ok {
				continue
			}
			if p.CIDR.Contains(ip.Unmap()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if p.RequireCarrier && !carrierUp {
		return false
	}
	return true
}

// Fragment is the configuration payload a Policy carries. Its shape mirrors
// the device's declared desired-state document; it is kept opaque here
// (raw bytes only) since the worker and addrconf engines are the ones that
// interpret it.
type Fragment struct {
	Raw []byte
}

// Policy is one entry in the store.
type Policy struct {
	ID        string
	Predicate Predicate
	Priority  int
	Fragment  Fragment
}

type entry struct {
	policy   Policy
	inserted uint64
}

// Store is the policy table. The zero value is not usable; use New.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]entry
	revision uint64
	seq      uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Put inserts or replaces the policy with the given ID, advancing the
// store's revision. Replacing an existing ID keeps its original insertion
// order for tie-breaking purposes, matching the intuition that updating a
// policy in place should not let it jump ahead of same-priority policies
// that were already there.
func (s *Store) Put(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord := s.seq
	if existing, ok := s.entries[p.ID]; ok {
		ord = existing.inserted
	} else {
		s.seq++
	}
	s.entries[p.ID] = entry{policy: p, inserted: ord}
	s.revision++
}

// Delete removes a policy by ID. Deleting an unknown ID is a no-op and does
// not advance the revision.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	s.revision++
}

// Revision returns the store's current revision counter. It increases
// monotonically on every Put, whether it inserts or replaces, and on every
// Delete that removes an entry. The reconciler does not read it: its
// PutPolicy and DeletePolicy recheck every device directly.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// GetApplicable returns the policies that match the given device
// attributes, in priority order (highest first); ties break by insertion
// order, oldest first.
func (s *Store) GetApplicable(name string, hwAddr net.HardwareAddr, addrs []net.IPNet, carrierUp bool) []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []entry
	for _, e := range s.entries {
		if e.policy.Predicate.Matches(name, hwAddr, addrs, carrierUp) {
			matches = append(matches, e)
		}
	}

	// Insertion sort is fine: policy counts are small (host-local config,
	// not a multi-tenant rule engine) and this keeps the tie-break
	// comparison simple to read.
	for i := 1; i < len(matches); i++ {
		j := i
		for j > 0 && less(matches[j], matches[j-1]) {
			matches[j], matches[j-1] = matches[j-1], matches[j]
			j--
		}
	}

	out := make([]Policy, len(matches))
	for i, e := range matches {
		out[i] = e.policy
	}
	return out
}

func less(a, b entry) bool {
	if a.policy.Priority != b.policy.Priority {
		return a.policy.Priority > b.policy.Priority
	}
	return a.inserted < b.inserted
}

// List returns every policy currently in the store, in no particular
// order. Callers that need priority-resolved order for a specific device
// should use GetApplicable or Winner instead.
func (s *Store) List() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Policy, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.policy)
	}
	return out
}

// Winner returns the single highest-priority applicable policy, if any.
func (s *Store) Winner(name string, hwAddr net.HardwareAddr, addrs []net.IPNet, carrierUp bool) (Policy, bool) {
	matches := s.GetApplicable(name, hwAddr, addrs, carrierUp)
	if len(matches) == 0 {
		return Policy{}, false
	}
	return matches[0], true
}
