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

package boot

import (
	"fmt"
	"net/netip"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/verify"
)

// EventKind classifies orchestrator events.
type EventKind int

const (
	// EventStage marks entry into Event.Stage.
	EventStage EventKind = iota
	// EventBound carries the acquired address.
	EventBound
	// EventProgress carries the bytes received so far.
	EventProgress
	// EventDownloaded carries the final image size.
	EventDownloaded
	// EventDigest carries the computed and expected digests.
	EventDigest
	// EventUnsigned warns that an image without expected digest is about to
	// be started.
	EventUnsigned
	// EventFailed carries the error which ended the attempt.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStage:
		return "stage"
	case EventBound:
		return "bound"
	case EventProgress:
		return "progress"
	case EventDownloaded:
		return "downloaded"
	case EventDigest:
		return "digest"
	case EventUnsigned:
		return "unsigned"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a diagnostic record emitted during a boot attempt. Fields not
// relevant to Kind are zero.
type Event struct {
	Stage    Stage
	Kind     EventKind
	Target   Target
	Address  netip.Prefix
	Bytes    int64
	Digest   verify.Digest
	Expected *verify.Digest
	Err      error
}

// Observer receives boot events, in order, on the booting goroutine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans events out to every member.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, ob := range o {
		if ob != nil {
			ob.Observe(e)
		}
	}
}

// LogObserver writes events to the log.
type LogObserver struct{}

func (LogObserver) Observe(e Event) {
	switch e.Kind {
	case EventStage:
		klog.Infof("%v %v", e.Stage, e.Target)
	case EventBound:
		klog.Infof("Address %v", e.Address)
	case EventProgress:
		klog.V(2).Infof("Received %d bytes", e.Bytes)
	case EventDownloaded:
		klog.Infof("Downloaded %d bytes", e.Bytes)
	case EventDigest:
		if e.Expected != nil {
			klog.Infof("SHA-256 expected %s", e.Expected)
		}
		klog.Infof("SHA-256 actual   %s (%d bytes)", e.Digest, e.Bytes)
	case EventUnsigned:
		klog.Warningf("Booting unsigned image %s with SHA-256 %s", e.Target.URL, e.Digest)
	case EventFailed:
		klog.Errorf("%v failed: %v", e.Stage, e.Err)
	}
}
