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

// Package platform declares the boot firmware services consumed by the
// network boot pipeline.
//
// Each interface exposes one method per firmware capability. Implementations
// confine any raw handle, syscall or unsafe access to their own package; the
// boot pipeline only ever sees the types declared here.
package platform

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
)

// NIC identifies a network interface.
type NIC struct {
	Name         string
	HardwareAddr net.HardwareAddr
}

func (n NIC) String() string {
	if len(n.HardwareAddr) == 0 {
		return n.Name
	}
	return fmt.Sprintf("%s (%s)", n.Name, n.HardwareAddr)
}

// AddressState mirrors the state machine of a DHCP client instance.
type AddressState int

const (
	AddressStopped AddressState = iota
	AddressInit
	AddressSelecting
	AddressRequesting
	AddressBound
	AddressRenewing
	AddressRebinding
	AddressInitReboot
	AddressRebooting
)

func (s AddressState) String() string {
	switch s {
	case AddressStopped:
		return "stopped"
	case AddressInit:
		return "init"
	case AddressSelecting:
		return "selecting"
	case AddressRequesting:
		return "requesting"
	case AddressBound:
		return "bound"
	case AddressRenewing:
		return "renewing"
	case AddressRebinding:
		return "rebinding"
	case AddressInitReboot:
		return "init-reboot"
	case AddressRebooting:
		return "rebooting"
	}
	return fmt.Sprintf("AddressState(%d)", int(s))
}

// AddressConfig carries the retry budget for the discover and request
// exchanges.
type AddressConfig struct {
	DiscoverTryCount int
	RequestTryCount  int
}

// ModeData is a snapshot of a DHCP client instance.
type ModeData struct {
	State   AddressState
	Address netip.Prefix
	Routers []netip.Addr
	DNS     []netip.Addr
}

// Binding is the network configuration acquired for one interface.
type Binding struct {
	NIC     NIC
	Address netip.Prefix
	Routers []netip.Addr
	DNS     []netip.Addr
}

// AddressLocator finds the address configuration service bindings which
// can manage a network interface.
type AddressLocator interface {
	LocateAddressServices(nic NIC) ([]AddressService, error)
}

// AddressService is a service binding able to instantiate DHCP clients.
type AddressService interface {
	CreateChild() (AddressClient, error)
}

// AddressClient is a single DHCP client instance.
//
// Start must not block until the exchange completes, progress is observed
// by polling ModeData. Release destroys the instance and any address it
// configured, it is safe to call more than once.
type AddressClient interface {
	Configure(cfg AddressConfig) error
	Start() error
	ModeData() (ModeData, error)
	Release() error
}

// AddressConfigurer applies a DHCP lease to the network stack which will carry
// transport traffic, and removes it again.
type AddressConfigurer interface {
	Apply(nic NIC, md ModeData) error
	Remove(nic NIC, md ModeData) error
}

// Transport is a request/response transport service.
type Transport interface {
	Connect(ctx context.Context, b Binding, u *url.URL) (Session, error)
}

// Session is one client session on a Transport.
//
// ReceiveChunk fills p with the next part of the response body and returns
// io.EOF once no more data is available.
type Session interface {
	SendRequest(ctx context.Context) (status int, err error)
	ReceiveChunk(ctx context.Context, p []byte) (n int, err error)
	Close() error
}

// ImageHandle references an image registered with an ImageLoader.
type ImageHandle interface{}

// ImageLoader is the platform image loading facility.
//
// A successful StartImage transfers control of the machine to the image and
// does not return.
type ImageLoader interface {
	LoadImage(image []byte) (ImageHandle, error)
	StartImage(h ImageHandle) error
	UnloadImage(h ImageHandle) error
}
