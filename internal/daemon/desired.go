// Package daemon implements the reconciler.StageDriver that closes over
// the kernel adapter, address-configuration engine registry, lease store,
// and secret gateway — the domain knowledge the reconciler itself
// deliberately has none of. It is grounded on internal/next/dnssvc's
// pattern of a small Service built from already-constructed dependencies
// and handed to a generic driver loop, adapted here from "serve DNS
// queries" to "drive one device's FSM forward."
package daemon

import (
	"fmt"
	"net/netip"

	"github.com/nicksinger/wicked/internal/docxml"
	"github.com/nicksinger/wicked/internal/leasestore"
)

// desiredState is the decoded form of a policy.Fragment's raw tag-tree
// document: what a device should end up configured as. The fragment format
// is:
//
//	<desired>
//	  <method>dhcp|static|ipv4ll|auto</method>
//	  <address>192.0.2.10/24</address>      (static only)
//	  <gateway>192.0.2.1</gateway>           (static only, optional)
//	  <hostname>myhost</hostname>            (dhcp only, optional)
//	  <auth>
//	    <security-id>wifi:ssid=Foo</security-id>
//	    <path>/wireless/network/psk</path>
//	  </auth>
type desiredState struct {
	Method     leasestore.Method
	Address    netip.Prefix
	Gateway    netip.Addr
	Hostname   string
	SecurityID string
	SecretPath string
}

func (d desiredState) needsAuth() bool {
	return d.SecurityID != ""
}

func parseDesiredState(raw []byte) (desiredState, error) {
	if len(raw) == 0 {
		// No policy fragment matched this device: default to DHCPv4, the
		// same default wicked's ifcfg format falls back to for an
		// interface with no explicit BOOTPROTO.
		return desiredState{Method: leasestore.MethodDHCP}, nil
	}

	n, err := docxml.Unmarshal(raw)
	if err != nil {
		return desiredState{}, fmt.Errorf("daemon: parsing desired state: %w", err)
	}

	ds := desiredState{Method: leasestore.MethodDHCP}
	if m := n.Find("method"); m != nil && m.Text != "" {
		ds.Method = leasestore.Method(m.Text)
	}
	if a := n.Find("address"); a != nil {
		prefix, err := netip.ParsePrefix(a.Text)
		if err != nil {
			return desiredState{}, fmt.Errorf("daemon: parsing desired address: %w", err)
		}
		ds.Address = prefix
	}
	if g := n.Find("gateway"); g != nil {
		addr, err := netip.ParseAddr(g.Text)
		if err != nil {
			return desiredState{}, fmt.Errorf("daemon: parsing desired gateway: %w", err)
		}
		ds.Gateway = addr
	}
	if h := n.Find("hostname"); h != nil {
		ds.Hostname = h.Text
	}
	if auth := n.Find("auth"); auth != nil {
		if sid := auth.Find("security-id"); sid != nil {
			ds.SecurityID = sid.Text
		}
		if path := auth.Find("path"); path != nil {
			ds.SecretPath = path.Text
		}
	}
	return ds, nil
}
