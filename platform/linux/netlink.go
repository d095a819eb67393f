// Copyright 2024 The Armored Netboot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package linux

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/vishvananda/netlink"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/platform"
)

// DefaultResolvConf is where Kernel writes DNS servers.
const DefaultResolvConf = "/etc/resolv.conf"

// Kernel configures leases on kernel network interfaces.
type Kernel struct {
	// ResolvConf is the resolver configuration file to rewrite, empty
	// selects DefaultResolvConf.
	ResolvConf string
}

func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

// linkUp brings an interface up if it is down.
func linkUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	if link.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link %s up: %w", name, err)
	}
	klog.V(1).Infof("%s: link up", name)
	return nil
}

func (k *Kernel) Apply(nic platform.NIC, md platform.ModeData) error {
	if err := linkUp(nic.Name); err != nil {
		return err
	}
	link, err := netlink.LinkByName(nic.Name)
	if err != nil {
		return err
	}
	if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: ipNet(md.Address)}); err != nil {
		return fmt.Errorf("add address %v: %v", md.Address, err)
	}

	// only the first router becomes the default route
	if len(md.Routers) > 0 {
		gw := md.Routers[0]
		r := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: gw.AsSlice()}
		if err := netlink.RouteReplace(r); err != nil {
			return fmt.Errorf("default route via %v: %v", gw, err)
		}
		klog.Infof("%v: using gateway %v", nic, gw)
	}

	if len(md.DNS) > 0 {
		klog.Infof("%v: using DNS server(s) %v", nic, md.DNS)
		return os.WriteFile(k.resolvConf(), resolvConf(md.DNS), 0o644)
	}
	return nil
}

func (k *Kernel) Remove(nic platform.NIC, md platform.ModeData) error {
	link, err := netlink.LinkByName(nic.Name)
	if err != nil {
		return err
	}

	var errs []error
	if len(md.Routers) > 0 {
		gw := md.Routers[0]
		r := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: gw.AsSlice()}
		if err := netlink.RouteDel(r); err != nil {
			errs = append(errs, fmt.Errorf("delete route via %v: %v", gw, err))
		}
	}
	if err := netlink.AddrDel(link, &netlink.Addr{IPNet: ipNet(md.Address)}); err != nil {
		errs = append(errs, fmt.Errorf("delete address %v: %v", md.Address, err))
	}
	return errors.Join(errs...)
}

func (k *Kernel) resolvConf() string {
	if k.ResolvConf != "" {
		return k.ResolvConf
	}
	return DefaultResolvConf
}

func resolvConf(dns []netip.Addr) []byte {
	var b bytes.Buffer
	for _, d := range dns {
		fmt.Fprintf(&b, "nameserver %s\n", d)
	}
	return b.Bytes()
}

// Interfaces lists the physical network interfaces.
func Interfaces() ([]platform.NIC, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}

	var nics []platform.NIC
	for _, l := range links {
		a := l.Attrs()
		if l.Type() != "device" || a.Flags&net.FlagLoopback != 0 {
			continue
		}
		nics = append(nics, platform.NIC{Name: a.Name, HardwareAddr: a.HardwareAddr})
	}
	return nics, nil
}
