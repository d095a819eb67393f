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

// Package testonly provides in-memory firmware services for tests.
package testonly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"sync"

	"github.com/transparency-dev/armored-netboot/platform"
)

// ErrConnectionRefused is what a Transport returns for hosts which are not
// serving.
var ErrConnectionRefused = errors.New("connection refused")

// AddressLocator returns a fixed list of services.
type AddressLocator struct {
	Services []platform.AddressService
	Err      error
}

func (l *AddressLocator) LocateAddressServices(platform.NIC) ([]platform.AddressService, error) {
	return l.Services, l.Err
}

// AddressService is a DHCP service binding whose children walk through a
// scripted sequence of states.
type AddressService struct {
	// States are reported by successive ModeData calls after Start, the
	// last one repeats forever. A child which was not started reports
	// AddressStopped.
	States []platform.AddressState
	// Address is the lease reported while bound.
	Address netip.Prefix
	Routers []netip.Addr

	CreateErr    error
	ConfigureErr error
	StartErr     error
	ModeDataErr  error

	mu       sync.Mutex
	created  int
	released int
	children []*AddressClient
}

// CreateChild instantiates a new scripted client.
func (s *AddressService) CreateChild() (platform.AddressClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	c := &AddressClient{svc: s}
	s.created++
	s.children = append(s.children, c)
	return c, nil
}

// Created returns the number of children instantiated so far.
func (s *AddressService) Created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// Live returns the number of children which have not been released.
func (s *AddressService) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created - s.released
}

// Children returns every child created so far.
func (s *AddressService) Children() []*AddressClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*AddressClient(nil), s.children...)
}

// AddressClient is a child of AddressService.
type AddressClient struct {
	svc *AddressService

	Config   platform.AddressConfig
	started  bool
	released bool
	polls    int
}

func (c *AddressClient) Configure(cfg platform.AddressConfig) error {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	c.Config = cfg
	return c.svc.ConfigureErr
}

func (c *AddressClient) Start() error {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if c.svc.StartErr != nil {
		return c.svc.StartErr
	}
	c.started = true
	return nil
}

func (c *AddressClient) ModeData() (platform.ModeData, error) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	if c.svc.ModeDataErr != nil {
		return platform.ModeData{}, c.svc.ModeDataErr
	}
	if !c.started || len(c.svc.States) == 0 {
		return platform.ModeData{State: platform.AddressStopped}, nil
	}

	i := min(c.polls, len(c.svc.States)-1)
	c.polls++
	md := platform.ModeData{State: c.svc.States[i]}
	if md.State == platform.AddressBound {
		md.Address = c.svc.Address
		md.Routers = c.svc.Routers
	}
	return md, nil
}

func (c *AddressClient) Release() error {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if !c.released {
		c.released = true
		c.svc.released++
	}
	return nil
}

// Released reports whether Release has been called.
func (c *AddressClient) Released() bool {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	return c.released
}

// Transport serves in-memory files.
type Transport struct {
	// Files maps absolute URLs to their content.
	Files map[string][]byte
	// Refuse lists hosts which refuse connections.
	Refuse map[string]bool
	// MaxChunk caps the bytes returned by one ReceiveChunk call, zero means
	// no cap.
	MaxChunk int
	// FailAfter makes ReceiveChunk fail once this many bytes have been
	// delivered, zero disables it.
	FailAfter int

	mu       sync.Mutex
	connects int
	open     int
}

// Connects returns the number of sessions opened.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Open returns the number of sessions not closed yet.
func (t *Transport) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Transport) Connect(_ context.Context, _ platform.Binding, u *url.URL) (platform.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connects++
	if t.Refuse[u.Host] {
		return nil, fmt.Errorf("dial %s: %w", u.Host, ErrConnectionRefused)
	}
	t.open++
	return &session{t: t, u: u.String()}, nil
}

type session struct {
	t    *Transport
	u    string
	body []byte
	sent int
}

func (s *session) SendRequest(context.Context) (int, error) {
	b, ok := s.t.Files[s.u]
	if !ok {
		return http.StatusNotFound, nil
	}
	s.body = b
	return http.StatusOK, nil
}

func (s *session) ReceiveChunk(_ context.Context, p []byte) (int, error) {
	if s.t.FailAfter > 0 && s.sent >= s.t.FailAfter {
		return 0, errors.New("connection reset by peer")
	}
	if len(s.body) == 0 {
		return 0, io.EOF
	}
	if s.t.MaxChunk > 0 && len(p) > s.t.MaxChunk {
		p = p[:s.t.MaxChunk]
	}
	if s.t.FailAfter > 0 && len(p) > s.t.FailAfter-s.sent {
		p = p[:s.t.FailAfter-s.sent]
	}
	n := copy(p, s.body)
	s.body = s.body[n:]
	s.sent += n
	return n, nil
}

func (s *session) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.open--
	return nil
}

// Loader records the images it is asked to load and start.
type Loader struct {
	LoadErr  error
	StartErr error
	// OnStart, if set, runs inside StartImage before it returns. Tests use
	// runtime.Goexit here to model a start which never returns.
	OnStart func(image []byte)

	mu       sync.Mutex
	loaded   [][]byte
	started  int
	unloaded int
}

type handle struct {
	image []byte
}

func (l *Loader) LoadImage(image []byte) (platform.ImageHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	l.loaded = append(l.loaded, image)
	return &handle{image: image}, nil
}

func (l *Loader) StartImage(h platform.ImageHandle) error {
	l.mu.Lock()
	l.started++
	onStart := l.OnStart
	l.mu.Unlock()

	if onStart != nil {
		onStart(h.(*handle).image)
	}
	return l.StartErr
}

func (l *Loader) UnloadImage(platform.ImageHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloaded++
	return nil
}

// Loaded returns the images passed to LoadImage.
func (l *Loader) Loaded() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.loaded...)
}

// Started returns the number of StartImage calls.
func (l *Loader) Started() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Unloaded returns the number of UnloadImage calls.
func (l *Loader) Unloaded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unloaded
}
