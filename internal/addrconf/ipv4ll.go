package addrconf

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/raw"

	"github.com/nicksinger/wicked/internal/kernel"
	"github.com/nicksinger/wicked/internal/leasestore"
)

// ipv4llBase is the IPv4 link-local range, 169.254.0.0/16, minus the first
// and last 256 addresses reserved by RFC 3927 section 2.1.
var ipv4llBase = netip.MustParseAddr("169.254.1.0")

const ipv4llHostBits = 16 - 9 // usable host range: 169.254.1.0 - 169.254.254.255

// IPv4LLEngine implements RFC 3927 IPv4 link-local address self-assignment:
// pick a candidate address in 169.254.0.0/16, probe for a conflict with ARP,
// and announce it once no conflict is observed. ARP frames are crafted
// directly with google/gopacket over a raw AF_PACKET socket opened via
// github.com/mdlayher/raw, matching the probe/announce pattern used for
// duplicate-address detection elsewhere in the example pack.
type IPv4LLEngine struct {
	Kernel      kernel.Adapter
	ProbeCount  int
	ProbeWait   time.Duration
	AnnounceNum int
}

var _ Engine = (*IPv4LLEngine)(nil)

func (e *IPv4LLEngine) probeCount() int {
	if e.ProbeCount <= 0 {
		return 3
	}
	return e.ProbeCount
}

func (e *IPv4LLEngine) probeWait() time.Duration {
	if e.ProbeWait <= 0 {
		return 200 * time.Millisecond
	}
	return e.ProbeWait
}

// Acquire picks a candidate link-local address, probes it for conflicts,
// and programs it onto the device once clear.
func (e *IPv4LLEngine) Acquire(ctx context.Context, req leasestore.Request) (leasestore.Lease, error) {
	iface, err := net.InterfaceByName(req.Device)
	if err != nil {
		return leasestore.Lease{}, fmt.Errorf("addrconf: ipv4ll: resolving %s: %w", req.Device, err)
	}

	conn, err := raw.ListenPacket(iface, uint16(ethernet.EtherTypeARP), nil)
	if err != nil {
		return leasestore.Lease{}, fmt.Errorf("addrconf: ipv4ll: opening raw socket on %s: %w", req.Device, err)
	}
	defer conn.Close()

	candidate := randomLinkLocal()
	for attempt := 0; attempt < 10; attempt++ {
		conflict, err := e.probe(ctx, conn, iface, candidate)
		if err != nil {
			return leasestore.Lease{}, err
		}
		if !conflict {
			break
		}
		candidate = randomLinkLocal()
	}

	if err := e.announce(conn, iface, candidate); err != nil {
		return leasestore.Lease{}, err
	}

	addr := netip.PrefixFrom(candidate, 16)
	if err := e.Kernel.EnsureAddress(ctx, req.Device, addr); err != nil {
		return leasestore.Lease{}, err
	}
	return leasestore.Lease{
		Device:     req.Device,
		Family:     leasestore.FamilyIPv4,
		Method:     leasestore.MethodIPv4LL,
		Address:    addr,
		AcquiredAt: time.Now(),
	}, nil
}

// Resume re-verifies the held address has no conflict and reprograms it if
// missing; it never probes-and-moves an address that is already live and
// uncontested.
func (e *IPv4LLEngine) Resume(
	ctx context.Context,
	req leasestore.Request,
	lease leasestore.Lease,
) (confirmed leasestore.Lease, ok bool, err error) {
	iface, err := net.InterfaceByName(req.Device)
	if err != nil {
		return leasestore.Lease{}, false, err
	}

	conn, err := raw.ListenPacket(iface, uint16(ethernet.EtherTypeARP), nil)
	if err != nil {
		return leasestore.Lease{}, false, err
	}
	defer conn.Close()

	conflict, err := e.probe(ctx, conn, iface, lease.Address.Addr())
	if err != nil {
		return leasestore.Lease{}, false, err
	}
	if conflict {
		return leasestore.Lease{}, false, nil
	}

	if err := e.Kernel.EnsureAddress(ctx, req.Device, lease.Address); err != nil {
		return leasestore.Lease{}, false, err
	}

	return leasestore.Lease{
		Device:     req.Device,
		Family:     leasestore.FamilyIPv4,
		Method:     leasestore.MethodIPv4LL,
		Address:    lease.Address,
		AcquiredAt: time.Now(),
	}, true, nil
}

// Release removes the link-local address from the device.
func (e *IPv4LLEngine) Release(ctx context.Context, lease leasestore.Lease) error {
	return e.Kernel.RemoveAddress(ctx, lease.Device, lease.Address)
}

// probe sends ARP probes for candidate and listens briefly for a reply,
// which indicates another host already holds the address.
func (e *IPv4LLEngine) probe(ctx context.Context, conn net.PacketConn, iface *net.Interface, candidate netip.Addr) (conflict bool, err error) {
	frame, err := arpFrame(iface.HardwareAddr, net.IPv4zero, candidate.AsSlice())
	if err != nil {
		return false, err
	}

	for i := 0; i < e.probeCount(); i++ {
		if _, err := conn.WriteTo(frame, &raw.Addr{HardwareAddr: ethernet.Broadcast}); err != nil {
			return false, fmt.Errorf("addrconf: ipv4ll: sending probe: %w", err)
		}

		deadline := time.Now().Add(e.probeWait())
		conn.SetReadDeadline(deadline)
		buf := make([]byte, 128)
		for time.Now().Before(deadline) {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				break
			}
			if replyClaims(buf[:n], candidate.AsSlice()) {
				return true, nil
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
	}
	return false, nil
}

// announce sends gratuitous ARP announcements for the claimed address.
func (e *IPv4LLEngine) announce(conn net.PacketConn, iface *net.Interface, claimed netip.Addr) error {
	frame, err := arpFrame(iface.HardwareAddr, claimed.AsSlice(), claimed.AsSlice())
	if err != nil {
		return err
	}

	count := e.AnnounceNum
	if count <= 0 {
		count = 2
	}
	for i := 0; i < count; i++ {
		if _, err := conn.WriteTo(frame, &raw.Addr{HardwareAddr: ethernet.Broadcast}); err != nil {
			return fmt.Errorf("addrconf: ipv4ll: sending announce: %w", err)
		}
		time.Sleep(e.probeWait())
	}
	return nil
}

// arpFrame builds an Ethernet-framed ARP request claiming/probing
// targetIP, sourced from senderIP (all-zero for a probe per RFC 3927).
func arpFrame(srcMAC net.HardwareAddr, senderIP, targetIP net.IP) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: senderIP.To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    targetIP.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return nil, fmt.Errorf("addrconf: ipv4ll: serializing ARP frame: %w", err)
	}
	return buf.Bytes(), nil
}

// replyClaims reports whether a received frame is an ARP packet (request or
// reply) whose sender protocol address is ip.
func replyClaims(data []byte, ip net.IP) bool {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return false
	}
	arp, ok := arpLayer.(*layers.ARP)
	if !ok {
		return false
	}
	return net.IP(arp.SourceProtAddress).Equal(ip)
}

// randomLinkLocal picks a pseudo-random candidate in the usable IPv4
// link-local range, per RFC 3927 section 2.1.
func randomLinkLocal() netip.Addr {
	b := ipv4llBase.As4()
	b[2] = byte(1 + rand.Intn(254))
	b[3] = byte(rand.Intn(256))
	return netip.AddrFrom4(b)
}
