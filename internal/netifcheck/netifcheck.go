// Package netifcheck implements manager.check: the resolve and route
// diagnostic probes the CLI's "check" subcommand and the RPC
// /manager/check endpoint both dispatch into. Resolution uses
// github.com/miekg/dns directly against the system resolvers (rather than
// stdlib net.LookupHost) so the result distinguishes NXDOMAIN from a
// transient server failure, the distinction --write-error documents need.
// Route reachability opens a non-transmitting UDP socket, the same trick
// net.Dial("udp", ...) uses internally, to ask the kernel which local
// address and route it would pick without sending a single packet.
package netifcheck

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/miekg/dns"

	"github.com/nicksinger/wicked/internal/docxml"
	"github.com/nicksinger/wicked/internal/rpcerr"
)

// Family selects which address family a check is restricted to.
type Family int

// Address families a check can be restricted to.
const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

// ResolveResult is the outcome of a resolve check for one hostname.
type ResolveResult struct {
	Host      string
	Addresses []netip.Addr
}

// Resolver performs resolve and route checks. The zero value uses
// /etc/resolv.conf and a 5 second timeout.
type Resolver struct {
	// Timeout bounds each upstream query. Zero means 5s.
	Timeout time.Duration
	// ResolvConfPath overrides /etc/resolv.conf, for tests.
	ResolvConfPath string
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) resolvConfPath() string {
	if r.ResolvConfPath != "" {
		return r.ResolvConfPath
	}
	return "/etc/resolv.conf"
}

// Resolve looks host up against the system's configured nameservers,
// returning a Structured UnresolvableHostname error if every configured
// server fails or returns NXDOMAIN.
func (r *Resolver) Resolve(ctx context.Context, host string, af Family) (ResolveResult, error) {
	cfg, err := dns.ClientConfigFromFile(r.resolvConfPath())
	if err != nil || len(cfg.Servers) == 0 {
		return ResolveResult{}, rpcerr.UnresolvableHostname(host, fmt.Errorf("no nameservers configured"))
	}

	client := &dns.Client{Timeout: r.timeout()}
	qtypes := qtypesFor(af)

	var addrs []netip.Addr
	var lastErr error
	for _, qtype := range qtypes {
		fqdn := dns.Fqdn(host)
		for _, server := range cfg.Servers {
			msg := new(dns.Msg)
			msg.SetQuestion(fqdn, qtype)
			msg.RecursionDesired = true

			reply, _, err := client.ExchangeContext(ctx, msg, net.JoinHostPort(server, cfg.Port))
			if err != nil {
				lastErr = err
				continue
			}
			if reply.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("server %s: %s", server, dns.RcodeToString[reply.Rcode])
				continue
			}
			addrs = append(addrs, addressesFromAnswer(reply.Answer)...)
			lastErr = nil
			break
		}
	}

	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no matching records")
		}
		return ResolveResult{}, rpcerr.UnresolvableHostname(host, lastErr)
	}
	return ResolveResult{Host: host, Addresses: addrs}, nil
}

func qtypesFor(af Family) []uint16 {
	switch af {
	case FamilyIPv4:
		return []uint16{dns.TypeA}
	case FamilyIPv6:
		return []uint16{dns.TypeAAAA}
	default:
		return []uint16{dns.TypeA, dns.TypeAAAA}
	}
}

func addressesFromAnswer(rrs []dns.RR) []netip.Addr {
	var out []netip.Addr
	for _, rr := range rrs {
		switch rec := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				out = append(out, a)
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
				out = append(out, a)
			}
		}
	}
	return out
}

// RouteResult is the outcome of a route check: the local source address
// and outgoing interface the kernel would use to reach a destination.
type RouteResult struct {
	Destination   string
	SourceAddress netip.Addr
	Interface     string
}

// Route asks the kernel which local address and interface it would use to
// reach dest, without transmitting any packet: it opens a UDP socket with
// net.Dial (which performs route resolution and source-address selection
// as a side effect of connect(2), but never writes), then inspects the
// socket's local address. No third-party library in the available
// dependency set exposes raw routing-table queries without also pulling
// in a netlink route-dump dependency (ti-mo/netfilter and friends were
// evaluated and dropped, see DESIGN.md); this is the same technique
// net/http's transport and most Go service meshes use for "preferred
// outbound address" discovery.
func (r *Resolver) Route(ctx context.Context, dest string, af Family) (RouteResult, error) {
	network := "udp"
	switch af {
	case FamilyIPv4:
		network = "udp4"
	case FamilyIPv6:
		network = "udp6"
	}

	dialer := net.Dialer{Timeout: r.timeout()}
	conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(dest, "9"))
	if err != nil {
		return RouteResult{}, rpcerr.UnreachableAddress(dest, err)
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return RouteResult{}, rpcerr.UnreachableAddress(dest, fmt.Errorf("unexpected local address type %T", conn.LocalAddr()))
	}
	srcAddr, ok := netip.AddrFromSlice(local.IP)
	if !ok {
		return RouteResult{}, rpcerr.UnreachableAddress(dest, fmt.Errorf("could not parse local address %s", local.IP))
	}

	iface := ifaceForAddress(srcAddr)
	return RouteResult{Destination: dest, SourceAddress: srcAddr.Unmap(), Interface: iface}, nil
}

func ifaceForAddress(addr netip.Addr) string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			if ip.Unmap() == addr.Unmap() {
				return iface.Name
			}
		}
	}
	return ""
}

// ErrorDocument is a tag-tree-serializable error: a stable name and a
// message. The CLI's --write-error flag does not use it; cmd/netifctl
// writes its own single <error name="..."> element.
type ErrorDocument struct {
	Name    string
	Message string
}

// FromError extracts an ErrorDocument from a Structured error, for callers
// that already have one; it never fails, defaulting to an "Unknown" name
// for unrecognized error types so a document can always be produced.
func FromError(err error) ErrorDocument {
	if se, ok := err.(*rpcerr.Structured); ok {
		return ErrorDocument{Name: se.Name, Message: se.Error()}
	}
	return ErrorDocument{Name: "Unknown", Message: err.Error()}
}

// WriteErrorDocument serializes doc to path as a tag-tree <error> document
// with <name> and <message> child elements.
func WriteErrorDocument(path string, doc ErrorDocument) error {
	root := docxml.NewNode("error")
	root.AddChild("name").Text = doc.Name
	root.AddChild("message").Text = doc.Message

	data, err := docxml.Marshal(root)
	if err != nil {
		return fmt.Errorf("netifcheck: marshaling error document: %w", err)
	}
	return os.WriteFile(path, data, 0o640)
}
