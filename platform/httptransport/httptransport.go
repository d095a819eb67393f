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

// Package httptransport provides the request/response transport service
// over net/http.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/machinebox/progress"
	"go.mercari.io/go-dnscache"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/platform"
)

const (
	dnsUpdateFreq    = 1 * time.Minute
	dnsUpdateTimeout = 5 * time.Second

	headerTimeout    = 10 * time.Second
	progressInterval = 1 * time.Second
)

// DialFunc dials a network connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewClient returns an HTTP client dialing through dial.
//
// A nil dial selects the host network with cached name resolution.
func NewClient(dial DialFunc) (*http.Client, error) {
	if dial == nil {
		resolver, err := dnscache.New(dnsUpdateFreq, dnsUpdateTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create DNS cache: %v", err)
		}
		dial = dnscache.DialFunc(resolver, (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext)
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dial,
			DisableKeepAlives:     true,
			ForceAttemptHTTP2:     false,
			ResponseHeaderTimeout: headerTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Scheme != "http" {
				return fmt.Errorf("redirect to unsupported scheme %q", req.URL.Scheme)
			}
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}, nil
}

// Transport opens HTTP sessions.
type Transport struct {
	Client *http.Client
	// LogProgress enables periodic percentage logging for responses which
	// advertise their length.
	LogProgress bool
}

// New returns a transport using NewClient(dial).
func New(dial DialFunc) (*Transport, error) {
	c, err := NewClient(dial)
	if err != nil {
		return nil, err
	}
	return &Transport{Client: c, LogProgress: true}, nil
}

func (t *Transport) Connect(_ context.Context, b platform.Binding, u *url.URL) (platform.Session, error) {
	klog.V(1).Infof("HTTP session to %s via %v (%v)", u.Host, b.NIC, b.Address)
	return &session{t: t, u: u}, nil
}

type session struct {
	t *Transport
	u *url.URL

	resp   *http.Response
	body   io.Reader
	cancel context.CancelFunc
}

func (s *session) SendRequest(ctx context.Context) (int, error) {
	if s.resp != nil {
		return 0, errors.New("request already sent")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.t.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http.Client.Do(): %v", err)
	}
	s.resp = resp

	pr := progress.NewReader(resp.Body)
	s.body = pr

	if s.t.LogProgress && resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		var tctx context.Context
		tctx, s.cancel = context.WithCancel(ctx)
		go func() {
			for p := range progress.NewTicker(tctx, pr, resp.ContentLength, progressInterval) {
				klog.Infof("Downloading %q: %d%%, %v remaining...", s.u.String(), int(p.Percent()), p.Remaining().Round(time.Second))
			}
		}()
	}

	return resp.StatusCode, nil
}

func (s *session) ReceiveChunk(_ context.Context, p []byte) (int, error) {
	if s.body == nil {
		return 0, errors.New("no response")
	}
	return s.body.Read(p)
}

func (s *session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.resp == nil {
		return nil
	}
	return s.resp.Body.Close()
}
