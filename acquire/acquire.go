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

// Package acquire obtains an IP configuration for a network interface from
// the platform DHCP service.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/internal/poll"
	"github.com/transparency-dev/armored-netboot/platform"
)

const (
	// PollInterval is the default interval between DHCP state checks.
	PollInterval = 100 * time.Millisecond
	// Timeout is the default time allowed to reach the bound state.
	Timeout = 30 * time.Second
	// TryCount is the default number of discover and request retries.
	TryCount = 4
)

var (
	ErrTimeout            = errors.New("network timeout")
	ErrServiceUnavailable = errors.New("address service unavailable")
	ErrProtocol           = errors.New("address protocol error")
)

// Acquirer drives DHCP client instances. The zero value of every optional
// field selects the package default.
type Acquirer struct {
	Locator platform.AddressLocator
	// Configurer, if set, applies the lease to the network stack used for
	// transfers once the client is bound.
	Configurer platform.AddressConfigurer

	PollInterval time.Duration
	Timeout      time.Duration
	Config       platform.AddressConfig

	mu     sync.Mutex
	active map[string]*Binding
}

// Binding is an acquired address configuration. It holds the DHCP client
// instance until Release.
type Binding struct {
	platform.Binding

	a     *Acquirer
	child platform.AddressClient
	md    platform.ModeData

	mu       sync.Mutex
	released bool
	err      error
}

// Bound reports whether the binding still holds its lease.
func (b *Binding) Bound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.released
}

// Release removes the lease and destroys the DHCP client instance. Only the
// first call has any effect, later calls return its result.
func (b *Binding) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return b.err
	}
	b.released = true

	var errs []error
	if c := b.a.Configurer; c != nil {
		if err := c.Remove(b.NIC, b.md); err != nil {
			errs = append(errs, fmt.Errorf("remove address: %w", err))
		}
	}
	if err := b.child.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release client: %w", err))
	}
	b.a.forget(b)
	b.err = errors.Join(errs...)

	klog.V(1).Infof("Released %v on %v", b.Address, b.NIC)
	return b.err
}

func (a *Acquirer) forget(b *Binding) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active[b.NIC.Name] == b {
		delete(a.active, b.NIC.Name)
	}
}

func (a *Acquirer) config() platform.AddressConfig {
	c := a.Config
	if c.DiscoverTryCount == 0 {
		c.DiscoverTryCount = TryCount
	}
	if c.RequestTryCount == 0 {
		c.RequestTryCount = TryCount
	}
	return c
}

func (a *Acquirer) interval() time.Duration {
	if a.PollInterval > 0 {
		return a.PollInterval
	}
	return PollInterval
}

func (a *Acquirer) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return Timeout
}

// Acquire obtains a fresh lease for nic.
//
// A binding still held for nic from an earlier attempt is released first, it
// is never reused. On error no client instance is left behind.
func (a *Acquirer) Acquire(ctx context.Context, nic platform.NIC) (*Binding, error) {
	a.mu.Lock()
	stale := a.active[nic.Name]
	a.mu.Unlock()

	if stale != nil {
		klog.Warningf("%v still bound to %v, releasing", nic, stale.Address)
		if err := stale.Release(); err != nil {
			klog.Errorf("Releasing stale binding on %v: %v", nic, err)
		}
	}

	child, err := a.createChild(nic)
	if err != nil {
		return nil, err
	}

	md, err := a.run(ctx, child)
	if err == nil && a.Configurer != nil {
		if aerr := a.Configurer.Apply(nic, md); aerr != nil {
			err = fmt.Errorf("%w: apply lease %v: %v", ErrProtocol, md.Address, aerr)
			// Apply may have completed some of its steps.
			if rerr := a.Configurer.Remove(nic, md); rerr != nil {
				klog.Warningf("Removing partial lease %v from %v: %v", md.Address, nic, rerr)
			}
		}
	}
	if err != nil {
		if rerr := child.Release(); rerr != nil {
			klog.Errorf("Releasing DHCP client on %v: %v", nic, rerr)
		}
		return nil, err
	}

	b := &Binding{
		Binding: platform.Binding{
			NIC:     nic,
			Address: md.Address,
			Routers: md.Routers,
			DNS:     md.DNS,
		},
		a:     a,
		child: child,
		md:    md,
	}

	a.mu.Lock()
	if a.active == nil {
		a.active = make(map[string]*Binding)
	}
	a.active[nic.Name] = b
	a.mu.Unlock()

	klog.Infof("%v bound to %v (router %v)", nic, md.Address, md.Routers)
	return b, nil
}

// createChild instantiates a client on the first service which allows it.
func (a *Acquirer) createChild(nic platform.NIC) (platform.AddressClient, error) {
	services, err := a.Locator.LocateAddressServices(nic)
	if err != nil {
		return nil, fmt.Errorf("%w: locate service on %v: %v", ErrServiceUnavailable, nic, err)
	}

	for i, s := range services {
		child, err := s.CreateChild()
		if err != nil {
			klog.V(1).Infof("Service %d on %v: %v", i, nic, err)
			continue
		}
		return child, nil
	}

	return nil, fmt.Errorf("%w: no usable service among %d on %v", ErrServiceUnavailable, len(services), nic)
}

func (a *Acquirer) run(ctx context.Context, child platform.AddressClient) (md platform.ModeData, err error) {
	if err = child.Configure(a.config()); err != nil {
		return md, fmt.Errorf("%w: configure: %v", ErrProtocol, err)
	}
	if err = child.Start(); err != nil {
		return md, fmt.Errorf("%w: start: %v", ErrProtocol, err)
	}

	err = poll.Until(ctx, a.interval(), a.timeout(), func() (bool, error) {
		m, err := child.ModeData()
		if err != nil {
			return false, fmt.Errorf("%w: mode data: %v", ErrProtocol, err)
		}
		md = m

		switch md.State {
		case platform.AddressBound:
			return true, nil
		case platform.AddressInit, platform.AddressSelecting, platform.AddressRequesting,
			platform.AddressInitReboot, platform.AddressRebooting:
			return false, nil
		}
		return false, fmt.Errorf("%w: unexpected state %v", ErrProtocol, md.State)
	})

	if errors.Is(err, poll.ErrTimeout) {
		return md, fmt.Errorf("%w: not bound after %v, last state %v", ErrTimeout, a.timeout(), md.State)
	}
	return md, err
}
