package daemon

import (
	"net"

	"github.com/nicksinger/wicked/internal/inventory"
)

// Discover enumerates the host's network interfaces and observes each one
// into inv. Loopback is skipped: the per-device FSM exists to bring up
// configurable links, not the always-up loopback device.
func Discover(inv *inventory.Inventory) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		var nets []net.IPNet
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				nets = append(nets, *ipNet)
			}
		}
		inv.Observe(inventory.Device{
			Index:        iface.Index,
			Name:         iface.Name,
			HardwareAddr: iface.HardwareAddr,
			CarrierUp:    iface.Flags&net.FlagRunning != 0,
			AdminUp:      iface.Flags&net.FlagUp != 0,
			Addresses:    nets,
		})
	}
	return nil
}
