// Package leasestore persists address-configuration leases and the
// requests that produced them as tag-tree documents under a root directory,
// one file per (device, address family, acquisition method) slot:
//
//	<root>/leases/<ifname>.<family>.<method>.lease
//	<root>/requests/<ifname>.<family>.<method>.req
//
// Writes are atomic (temp file + rename, via internal/aghrenameio) so a
// crash mid-write never leaves a half-written file visible under the final
// name. Reads treat any parse failure, any structurally incomplete
// document, or an expired lease as "absent" rather than as fatal: the
// recovery algorithm in internal/recovery falls back to fresh acquisition
// whenever a lease cannot be trusted.
package leasestore

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/AdguardTeam/golibs/errors"

	"github.com/nicksinger/wicked/internal/aghrenameio"
	"github.com/nicksinger/wicked/internal/docxml"
)

// Family is an address family a lease can be acquired for.
type Family string

// Supported address families.
const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// Method is the acquisition method used to obtain a lease.
type Method string

// Supported acquisition methods.
const (
	MethodDHCP   Method = "dhcp"
	MethodStatic Method = "static"
	MethodIPv4LL Method = "ipv4ll"
	MethodAuto   Method = "auto"
)

// Lease is one acquired address-configuration result.
type Lease struct {
	Device     string
	Family     Family
	Method     Method
	Address    netip.Prefix
	Gateway    netip.Addr
	DNSServers []netip.Addr
	ServerID   string // DHCP server identifier, opaque
	AcquiredAt time.Time
	ExpiresAt  time.Time // zero means "does not expire" (static, ipv4ll)
}

// Valid reports whether the lease should still be trusted: it has a
// usable address and, if it has an expiry, that expiry is in the future.
func (l Lease) Valid(now time.Time) bool {
	if !l.Address.IsValid() {
		return false
	}
	if !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt) {
		return false
	}
	return true
}

// Request is the address-configuration request that led to (or would lead
// to) a Lease — kept alongside it so recovery can resubmit an equivalent
// request (e.g. a DHCP RENEW) rather than starting from nothing.
type Request struct {
	Device   string
	Family   Family
	Method   Method
	Hostname string
	ClientID string
}

// Store manages the on-disk lease/request tree rooted at Dir.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir, creating the leases/ and requests/
// subdirectories if they do not already exist.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"leases", "requests"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("leasestore: creating %s: %w", sub, err)
		}
	}
	return &Store{Dir: dir}, nil
}

func slotName(device string, family Family, method Method) string {
	return fmt.Sprintf("%s.%s.%s", device, family, method)
}

func (s *Store) leasePath(device string, family Family, method Method) string {
	return filepath.Join(s.Dir, "leases", slotName(device, family, method)+".lease")
}

func (s *Store) requestPath(device string, family Family, method Method) string {
	return filepath.Join(s.Dir, "requests", slotName(device, family, method)+".req")
}

// PutLease atomically writes a lease document.
func (s *Store) PutLease(l Lease) (err error) {
	n := docxml.NewNode("lease")
	n.SetAttr("device", l.Device)
	n.SetAttr("family", string(l.Family))
	n.SetAttr("method", string(l.Method))
	n.AddChild("address").Text = l.Address.String()
	if l.Gateway.IsValid() {
		n.AddChild("gateway").Text = l.Gateway.String()
	}
	for _, d := range l.DNSServers {
		n.AddChild("dns").Text = d.String()
	}
	if l.ServerID != "" {
		n.AddChild("server-id").Text = l.ServerID
	}
	n.AddChild("acquired-at").Text = l.AcquiredAt.Format(time.RFC3339)
	if !l.ExpiresAt.IsZero() {
		n.AddChild("expires-at").Text = l.ExpiresAt.Format(time.RFC3339)
	}

	return s.writeDoc(s.leasePath(l.Device, l.Family, l.Method), n)
}

// GetLease reads a lease document, returning ok=false if the slot is
// absent, unparseable, incomplete, or expired as of now.
func (s *Store) GetLease(device string, family Family, method Method, now time.Time) (l Lease, ok bool) {
	data, err := os.ReadFile(s.leasePath(device, family, method))
	if err != nil {
		return Lease{}, false
	}

	n, err := docxml.Unmarshal(data)
	if err != nil {
		return Lease{}, false
	}

	l, err = leaseFromNode(n)
	if err != nil {
		return Lease{}, false
	}

	if !l.Valid(now) {
		return Lease{}, false
	}
	return l, true
}

// ParseLease decodes a tag-tree lease document, as submitted by the CLI's
// "lease install" subcommand over RPC, without touching the store.
func ParseLease(data []byte) (Lease, error) {
	n, err := docxml.Unmarshal(data)
	if err != nil {
		return Lease{}, fmt.Errorf("leasestore: parsing lease document: %w", err)
	}
	return leaseFromNode(n)
}

func leaseFromNode(n *docxml.Node) (Lease, error) {
	addrChild := n.Find("address")
	if addrChild == nil {
		return Lease{}, errors.Error("leasestore: missing address")
	}
	addr, err := netip.ParsePrefix(addrChild.Text)
	if err != nil {
		return Lease{}, fmt.Errorf("leasestore: parsing address: %w", err)
	}

	l := Lease{
		Device:  n.Attrs["device"],
		Family:  Family(n.Attrs["family"]),
		Method:  Method(n.Attrs["method"]),
		Address: addr,
	}

	if gw := n.Find("gateway"); gw != nil {
		if a, err := netip.ParseAddr(gw.Text); err == nil {
			l.Gateway = a
		}
	}
	for _, dns := range n.FindAll("dns") {
		if a, err := netip.ParseAddr(dns.Text); err == nil {
			l.DNSServers = append(l.DNSServers, a)
		}
	}
	if sid := n.Find("server-id"); sid != nil {
		l.ServerID = sid.Text
	}
	if at := n.Find("acquired-at"); at != nil {
		if t, err := time.Parse(time.RFC3339, at.Text); err == nil {
			l.AcquiredAt = t
		}
	}
	if exp := n.Find("expires-at"); exp != nil {
		t, err := time.Parse(time.RFC3339, exp.Text)
		if err != nil {
			return Lease{}, fmt.Errorf("leasestore: parsing expiry: %w", err)
		}
		l.ExpiresAt = t
	}

	return l, nil
}

// PutRequest atomically writes the request document for a slot.
func (s *Store) PutRequest(r Request) error {
	n := docxml.NewNode("request")
	n.SetAttr("device", r.Device)
	n.SetAttr("family", string(r.Family))
	n.SetAttr("method", string(r.Method))
	if r.Hostname != "" {
		n.AddChild("hostname").Text = r.Hostname
	}
	if r.ClientID != "" {
		n.AddChild("client-id").Text = r.ClientID
	}
	return s.writeDoc(s.requestPath(r.Device, r.Family, r.Method), n)
}

// GetRequest reads the request document for a slot, ok=false if absent or
// unparseable.
func (s *Store) GetRequest(device string, family Family, method Method) (r Request, ok bool) {
	data, err := os.ReadFile(s.requestPath(device, family, method))
	if err != nil {
		return Request{}, false
	}
	n, err := docxml.Unmarshal(data)
	if err != nil {
		return Request{}, false
	}
	r = Request{
		Device: n.Attrs["device"],
		Family: Family(n.Attrs["family"]),
		Method: Method(n.Attrs["method"]),
	}
	if h := n.Find("hostname"); h != nil {
		r.Hostname = h.Text
	}
	if c := n.Find("client-id"); c != nil {
		r.ClientID = c.Text
	}
	return r, true
}

// writeDoc is the shared atomic-write path for both leases and requests.
func (s *Store) writeDoc(path string, n *docxml.Node) (err error) {
	data, err := docxml.Marshal(n)
	if err != nil {
		return fmt.Errorf("leasestore: %w", err)
	}

	f, err := aghrenameio.NewPendingFile(path, 0o640)
	if err != nil {
		return fmt.Errorf("leasestore: opening pending file: %w", err)
	}
	defer func() { err = aghrenameio.WithDeferredCleanup(err, f) }()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("leasestore: writing: %w", err)
	}

	return nil
}

// Slots returns every (device, family, method) triple that currently has a
// lease file on disk, used by recovery to enumerate what to resume at
// startup without needing a separate index.
func (s *Store) Slots() ([]SlotKey, error) {
	entries, err := os.ReadDir(filepath.Join(s.Dir, "leases"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("leasestore: listing leases: %w", err)
	}

	var out []SlotKey
	for _, e := range entries {
		name := e.Name()
		const suffix = ".lease"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		key, ok := parseSlotName(name[:len(name)-len(suffix)])
		if ok {
			out = append(out, key)
		}
	}
	return out, nil
}

// SlotKey identifies one lease slot.
type SlotKey struct {
	Device string
	Family Family
	Method Method
}

func parseSlotName(s string) (SlotKey, bool) {
	// <device>.<family>.<method> — family and method never contain dots,
	// so splitting from the right by two dots is unambiguous even for
	// device names that do (VLAN names such as eth0.100).
	var parts [3]string
	idx := len(parts) - 1
	for idx > 0 {
		i := lastIndexByte(s, '.')
		if i < 0 {
			return SlotKey{}, false
		}
		parts[idx] = s[i+1:]
		s = s[:i]
		idx--
	}
	parts[0] = s
	return SlotKey{Device: parts[0], Family: Family(parts[1]), Method: Method(parts[2])}, true
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
