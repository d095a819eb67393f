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

// Package netstack runs the boot transport over a userspace TCP/IP stack,
// configured from the DHCP lease of the boot interface.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/platform"
)

const nicID = tcpip.NICID(1)

// ErrNotConfigured is returned when dialing before a lease was applied.
var ErrNotConfigured = errors.New("no address configured")

// Stack is a single NIC IPv4 stack.
type Stack struct {
	s *stack.Stack

	mu   sync.Mutex
	addr tcpip.AddressWithPrefix
	dns  []netip.Addr
}

// New creates a stack on top of the link endpoint ep.
func New(ep stack.LinkEndpoint) (*Stack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			arp.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
		},
		HandleLocal: true,
	})

	if err := s.CreateNIC(nicID, ep); err != nil {
		s.Close()
		return nil, fmt.Errorf("create NIC: %v", err)
	}

	return &Stack{s: s}, nil
}

// Close tears the stack down.
func (s *Stack) Close() {
	s.s.Close()
	s.s.Wait()
}

func toAddress(a netip.Addr) tcpip.Address {
	return tcpip.AddrFromSlice(a.Unmap().AsSlice())
}

func toPrefix(p netip.Prefix) tcpip.AddressWithPrefix {
	return tcpip.AddressWithPrefix{
		Address:   toAddress(p.Addr()),
		PrefixLen: p.Bits(),
	}
}

// Apply configures the leased address, the subnet route and a default route
// through every router of md.
func (s *Stack) Apply(nic platform.NIC, md platform.ModeData) error {
	if !md.Address.Addr().Is4() {
		return fmt.Errorf("unsupported address %v", md.Address)
	}
	addr := toPrefix(md.Address)

	pa := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: addr,
	}
	if err := s.s.AddProtocolAddress(nicID, pa, stack.AddressProperties{PEB: stack.FirstPrimaryEndpoint}); err != nil {
		return fmt.Errorf("add address %v: %v", md.Address, err)
	}

	// implicit route to the local segment first
	table := []tcpip.Route{
		{Destination: addr.Subnet(), NIC: nicID},
	}
	for _, gw := range md.Routers {
		table = append(table, tcpip.Route{Destination: header.IPv4EmptySubnet, Gateway: toAddress(gw), NIC: nicID})
		klog.Infof("%v: using gateway %v", nic, gw)
	}
	s.s.SetRouteTable(table)

	s.mu.Lock()
	s.addr = addr
	s.dns = md.DNS
	s.mu.Unlock()

	if len(md.DNS) > 0 {
		klog.Infof("%v: using DNS server(s) %v", nic, md.DNS)
	}
	return nil
}

// Remove drops the address and routes installed by Apply.
func (s *Stack) Remove(nic platform.NIC, md platform.ModeData) error {
	s.mu.Lock()
	s.addr = tcpip.AddressWithPrefix{}
	s.dns = nil
	s.mu.Unlock()

	s.s.SetRouteTable(nil)
	if err := s.s.RemoveAddress(nicID, toAddress(md.Address.Addr())); err != nil {
		return fmt.Errorf("remove address %v from %v: %v", md.Address, nic, err)
	}
	return nil
}

// Address returns the configured address, if any.
func (s *Stack) Address() (netip.Prefix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.addr.Address.Len() == 0 {
		return netip.Prefix{}, false
	}
	a, _ := netip.AddrFromSlice(s.addr.Address.AsSlice())
	return netip.PrefixFrom(a, s.addr.PrefixLen), true
}

// DialContext connects to addr over the stack. Host names are resolved with
// the DNS servers of the lease.
func (s *Stack) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if _, ok := s.Address(); !ok {
		return nil, ErrNotConfigured
	}

	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", portText)
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		ips, lerr := s.resolver().LookupNetIP(ctx, "ip4", host)
		if lerr != nil {
			return nil, lerr
		}
		ip = ips[0]
	}

	fa := tcpip.FullAddress{NIC: nicID, Addr: toAddress(ip), Port: uint16(port)}
	switch network {
	case "tcp", "tcp4":
		return gonet.DialContextTCP(ctx, s.s, fa, ipv4.ProtocolNumber)
	case "udp", "udp4":
		return gonet.DialUDP(s.s, nil, &fa, ipv4.ProtocolNumber)
	}
	return nil, fmt.Errorf("unsupported network %q", network)
}

// resolver queries the first DNS server of the lease, whatever server the
// Go resolver picked from the host configuration.
func (s *Stack) resolver() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			s.mu.Lock()
			dns := s.dns
			s.mu.Unlock()

			if len(dns) == 0 {
				return nil, errors.New("no DNS server in lease")
			}
			return s.DialContext(ctx, network, netip.AddrPortFrom(dns[0], 53).String())
		},
	}
}
