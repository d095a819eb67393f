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

// Package linux provides the boot firmware services of a LinuxBoot
// environment: DHCP on raw sockets, kernel or userspace address
// configuration and kexec handoff.
package linux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/platform"
)

// exchangeTimeout bounds each DHCP message exchange attempt.
const exchangeTimeout = 5 * time.Second

// DHCP locates the DHCPv4 service of an interface.
type DHCP struct{}

func (DHCP) LocateAddressServices(nic platform.NIC) ([]platform.AddressService, error) {
	iface, err := net.InterfaceByName(nic.Name)
	if err != nil {
		return nil, err
	}
	return []platform.AddressService{&dhcpService{iface: iface}}, nil
}

type dhcpService struct {
	iface *net.Interface
}

func (s *dhcpService) CreateChild() (platform.AddressClient, error) {
	if s.iface.Flags&net.FlagLoopback != 0 {
		return nil, fmt.Errorf("%s is a loopback interface", s.iface.Name)
	}
	if err := linkUp(s.iface.Name); err != nil {
		return nil, err
	}
	return &dhcpClient{
		iface: s.iface,
		cfg:   platform.AddressConfig{DiscoverTryCount: 1, RequestTryCount: 1},
	}, nil
}

// dhcpClient runs one DISCOVER/OFFER/REQUEST/ACK exchange in the
// background and reports its progress through ModeData.
type dhcpClient struct {
	iface *net.Interface
	cfg   platform.AddressConfig

	mu     sync.Mutex
	state  platform.AddressState
	err    error
	lease  *nclient4.Lease
	client *nclient4.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *dhcpClient) Configure(cfg platform.AddressConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return errors.New("already started")
	}
	if cfg.DiscoverTryCount < 1 || cfg.RequestTryCount < 1 {
		return fmt.Errorf("invalid try counts %d/%d", cfg.DiscoverTryCount, cfg.RequestTryCount)
	}
	c.cfg = cfg
	return nil
}

func (c *dhcpClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return errors.New("already started")
	}

	client, err := nclient4.New(c.iface.Name,
		nclient4.WithTimeout(exchangeTimeout),
		nclient4.WithRetry(max(c.cfg.DiscoverTryCount, c.cfg.RequestTryCount)))
	if err != nil {
		return fmt.Errorf("DHCP client on %s: %v", c.iface.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.client = client
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = platform.AddressSelecting

	go c.run(ctx)
	return nil
}

func (c *dhcpClient) set(s platform.AddressState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state, c.err = s, err
}

func (c *dhcpClient) run(ctx context.Context) {
	defer close(c.done)

	offer, err := c.client.DiscoverOffer(ctx)
	if err != nil {
		klog.V(1).Infof("DHCPC: %s discover: %v", c.iface.Name, err)
		c.set(platform.AddressStopped, err)
		return
	}
	klog.V(1).Infof("DHCPC: %s offered %v by %v", c.iface.Name, offer.YourIPAddr, offer.ServerIPAddr)
	c.set(platform.AddressRequesting, nil)

	lease, err := c.client.RequestFromOffer(ctx, offer)
	if err != nil {
		klog.V(1).Infof("DHCPC: %s request: %v", c.iface.Name, err)
		c.set(platform.AddressStopped, err)
		return
	}

	c.mu.Lock()
	c.lease = lease
	c.state = platform.AddressBound
	c.mu.Unlock()
}

func (c *dhcpClient) ModeData() (platform.ModeData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	md := platform.ModeData{State: c.state}
	if c.state == platform.AddressStopped && c.err != nil {
		return md, c.err
	}
	if c.state != platform.AddressBound {
		return md, nil
	}
	return leaseModeData(c.lease.ACK)
}

// leaseModeData extracts the binding of an ACK.
func leaseModeData(ack *dhcpv4.DHCPv4) (platform.ModeData, error) {
	md := platform.ModeData{State: platform.AddressBound}

	ip, ok := netip.AddrFromSlice(ack.YourIPAddr.To4())
	if !ok {
		return md, fmt.Errorf("invalid leased address %v", ack.YourIPAddr)
	}
	bits := 32
	if m := ack.SubnetMask(); m != nil {
		bits, _ = m.Size()
	}
	md.Address = netip.PrefixFrom(ip, bits)

	for _, r := range ack.Router() {
		if a, ok := netip.AddrFromSlice(r.To4()); ok {
			md.Routers = append(md.Routers, a)
		}
	}
	for _, d := range ack.DNS() {
		if a, ok := netip.AddrFromSlice(d.To4()); ok {
			md.DNS = append(md.DNS, a)
		}
	}

	return md, nil
}

func (c *dhcpClient) Release() error {
	c.mu.Lock()
	client, cancel, done := c.client, c.cancel, c.done
	c.client, c.cancel = nil, nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}

	cancel()
	<-done

	var err error
	c.mu.Lock()
	lease := c.lease
	c.lease = nil
	c.state = platform.AddressStopped
	c.mu.Unlock()

	if lease != nil {
		if rerr := client.Release(lease); rerr != nil {
			err = fmt.Errorf("DHCP release: %v", rerr)
		}
	}
	if cerr := client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
