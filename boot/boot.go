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

// Package boot sequences a network boot attempt: address acquisition, image
// transfer, digest verification and handoff.
package boot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/acquire"
	"github.com/transparency-dev/armored-netboot/handoff"
	"github.com/transparency-dev/armored-netboot/platform"
	"github.com/transparency-dev/armored-netboot/transfer"
	"github.com/transparency-dev/armored-netboot/verify"
)

var (
	// ErrBusy is returned when a boot attempt is already in flight.
	ErrBusy = errors.New("boot attempt in progress")
	// ErrUnsigned refuses a target without expected digest.
	ErrUnsigned = errors.New("unsigned image refused")
)

// Stage is a step of a boot attempt.
type Stage int

const (
	Idle Stage = iota
	Acquiring
	Downloading
	Verifying
	Handoff
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Acquiring:
		return "Acquiring"
	case Downloading:
		return "Downloading"
	case Verifying:
		return "Verifying"
	case Handoff:
		return "Handoff"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Failure is the outcome of a boot attempt which did not hand off.
type Failure struct {
	Stage  Stage
	Target Target
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%v: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Print returns the failure in textual format.
func (f *Failure) Print() string {
	var b bytes.Buffer

	b.WriteString("------------------------------------------------------------ Boot failure ----\n")
	b.WriteString(fmt.Sprintf("URL ....................: %s\n", f.Target.URL))
	b.WriteString(fmt.Sprintf("Stage ..................: %v\n", f.Stage))

	var se *transfer.StatusError
	if errors.As(f.Err, &se) {
		b.WriteString(fmt.Sprintf("HTTP status ............: %d\n", se.Code))
	}

	var me *verify.MismatchError
	if errors.As(f.Err, &me) {
		b.WriteString(fmt.Sprintf("Expected SHA-256 .......: %s\n", me.Expected))
		b.WriteString(fmt.Sprintf("Actual SHA-256 .........: %s\n", me.Actual))
	}

	b.WriteString(fmt.Sprintf("Error ..................: %v", f.Err))

	return b.String()
}

// Config holds the boot policy.
type Config struct {
	// NIC is the interface to boot from.
	NIC platform.NIC
	// RequireDigest refuses targets without expected digest.
	RequireDigest bool
	// TransferTimeout bounds the download stage, zero means no bound.
	TransferTimeout time.Duration
	// ImageLimit bounds the image size, zero selects transfer.DefaultLimit.
	ImageLimit int
}

// Agent runs boot attempts, one at a time.
type Agent struct {
	config    Config
	acquirer  *acquire.Acquirer
	transport platform.Transport
	chainer   *handoff.Chainer
	observer  Observer

	mu sync.Mutex
}

// NewAgent returns an agent booting through the given platform services.
// A nil observer selects LogObserver.
func NewAgent(cfg Config, a *acquire.Acquirer, t platform.Transport, l platform.ImageLoader, o Observer) *Agent {
	if o == nil {
		o = LogObserver{}
	}
	return &Agent{
		config:    cfg,
		acquirer:  a,
		transport: t,
		chainer:   &handoff.Chainer{Loader: l},
		observer:  o,
	}
}

// Boot attempts to boot t.
//
// Every stage runs from scratch, nothing is carried over from earlier
// attempts. When the image is started Boot does not return. Otherwise the
// returned error is a *Failure naming the stage which failed, or ErrBusy if
// another attempt is in flight.
func (a *Agent) Boot(ctx context.Context, t Target) error {
	if !a.mu.TryLock() {
		return ErrBusy
	}
	defer a.mu.Unlock()

	stage, err := a.attempt(ctx, t)
	a.observer.Observe(Event{Stage: stage, Kind: EventFailed, Target: t, Err: err})

	return &Failure{Stage: stage, Target: t, Err: err}
}

func (a *Agent) enter(s Stage, t Target) {
	a.observer.Observe(Event{Stage: s, Kind: EventStage, Target: t})
}

// attempt returns the stage at which t failed to boot.
func (a *Agent) attempt(ctx context.Context, t Target) (Stage, error) {
	if err := t.validate(); err != nil {
		return Idle, err
	}

	a.enter(Acquiring, t)
	b, err := a.acquirer.Acquire(ctx, a.config.NIC)
	if err != nil {
		return Acquiring, err
	}
	defer func() {
		if err := b.Release(); err != nil {
			klog.Errorf("Releasing %v: %v", b.NIC, err)
		}
	}()
	a.observer.Observe(Event{Stage: Acquiring, Kind: EventBound, Target: t, Address: b.Address})

	a.enter(Downloading, t)
	buf, err := a.download(ctx, b, t)
	if err != nil {
		return Downloading, err
	}
	a.observer.Observe(Event{Stage: Downloading, Kind: EventDownloaded, Target: t, Bytes: int64(buf.Len())})

	// the transport is done with the lease
	if err := b.Release(); err != nil {
		klog.Errorf("Releasing %v: %v", b.NIC, err)
	}

	a.enter(Verifying, t)
	r := verify.Verify(buf.Bytes(), t.Digest)
	a.observer.Observe(Event{Stage: Verifying, Kind: EventDigest, Target: t, Bytes: r.Bytes, Digest: r.Actual, Expected: r.Expected})

	switch r.Outcome {
	case verify.Mismatch:
		return Verifying, r.Err()
	case verify.Unsigned:
		if a.config.RequireDigest {
			return Verifying, fmt.Errorf("%w: %s", ErrUnsigned, t.URL)
		}
		a.observer.Observe(Event{Stage: Verifying, Kind: EventUnsigned, Target: t, Digest: r.Actual})
	}

	a.enter(Handoff, t)
	return Handoff, a.chainer.Chain(buf.Bytes())
}

func (a *Agent) download(ctx context.Context, b *acquire.Binding, t Target) (*transfer.Buffer, error) {
	if d := a.config.TransferTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	buf := transfer.NewBuffer(transfer.ChunkSize)
	buf.Limit = a.config.ImageLimit

	c := &transfer.Client{
		Transport: a.transport,
		Progress: func(s transfer.Status) {
			if s.State == transfer.InProgress {
				a.observer.Observe(Event{Stage: Downloading, Kind: EventProgress, Target: t, Bytes: s.Bytes})
			}
		},
	}

	if _, err := c.Fetch(ctx, b.Binding, t.URL, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
