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

// Package transfer retrieves boot images over a request/response transport
// in bounded chunks.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/platform"
)

const (
	// InitialChunkSize is the size of the first body read.
	InitialChunkSize = 4 << 10
	// ChunkSize is the size of every following body read.
	ChunkSize = 64 << 10

	// progressInterval is the number of chunks between progress log lines.
	progressInterval = 10
)

var (
	ErrInvalidURL          = errors.New("invalid boot URL")
	ErrNetwork             = errors.New("network error")
	ErrTransferInterrupted = errors.New("transfer interrupted")
)

// StatusError reports a response whose status is not 200 OK.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d (%s)", e.Code, http.StatusText(e.Code))
}

// State is the phase of a transfer.
type State int

const (
	Pending State = iota
	InProgress
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in progress"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status describes the progress of a transfer. Bytes never decreases during
// a transfer and Complete and Failed are terminal.
type Status struct {
	State State
	Bytes int64
	Err   error
}

// Client fetches images through a platform transport.
type Client struct {
	Transport platform.Transport

	// Progress, if set, is called after every received chunk and once with
	// the terminal status.
	Progress func(Status)
}

// ParseURL validates rawURL as a plain HTTP URL.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

func (c *Client) report(s Status) {
	if c.Progress != nil {
		c.Progress(s)
	}
}

// Fetch retrieves rawURL over the network binding b, appending the response
// body to sink.
//
// The returned status is either Complete, with the number of bytes actually
// received and a nil error, or Failed with the error also recorded in
// Status.Err. Partially received content is discarded from sink when the
// transfer is interrupted.
func (c *Client) Fetch(ctx context.Context, b platform.Binding, rawURL string, sink *Buffer) (Status, error) {
	s, err := c.fetch(ctx, b, rawURL, sink)
	if err != nil {
		s = Status{State: Failed, Bytes: s.Bytes, Err: err}
	}
	c.report(s)
	return s, err
}

func (c *Client) fetch(ctx context.Context, b platform.Binding, rawURL string, sink *Buffer) (s Status, err error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return
	}

	sess, err := c.Transport.Connect(ctx, b, u)
	if err != nil {
		return s, fmt.Errorf("%w: connect %s: %v", ErrNetwork, u.Host, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			klog.Errorf("session close: %v", err)
		}
	}()

	klog.Infof("Requesting %q", u)

	code, err := sess.SendRequest(ctx)
	if err != nil {
		return s, fmt.Errorf("%w: request %s: %v", ErrNetwork, u, err)
	}
	if code != http.StatusOK {
		return s, &StatusError{Code: code}
	}

	s.State = InProgress
	chunk := make([]byte, ChunkSize)
	size := InitialChunkSize

	for n := 1; ; n++ {
		r, err := sess.ReceiveChunk(ctx, chunk[:size])
		if r > 0 {
			if aerr := sink.Append(chunk[:r]); aerr != nil {
				sink.Reset()
				return s, aerr
			}
			s.Bytes += int64(r)
			c.report(s)
		}

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sink.Reset()
			return s, fmt.Errorf("%w after %d bytes: %v", ErrTransferInterrupted, s.Bytes, err)
		}

		if err := ctx.Err(); err != nil {
			sink.Reset()
			return s, fmt.Errorf("%w after %d bytes: %v", ErrTransferInterrupted, s.Bytes, err)
		}

		if n%progressInterval == 0 {
			klog.Infof("Downloading %q: %d bytes", u, s.Bytes)
		}
		size = ChunkSize
	}

	klog.Infof("Downloading %q: finished, %d bytes", u, s.Bytes)
	s.State = Complete

	return s, nil
}
