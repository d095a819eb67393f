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

// Package api defines the status report served by the agent admin endpoint.
package api

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-netboot/boot"
)

// Status is a snapshot of the agent.
type Status struct {
	Revision string
	Build    string
	Version  string
	Runtime  string
	Link     string

	Address string
	Target  string
	Stage   boot.Stage
	Bytes   int64
	Digest  string
	Error   string
}

// Print returns the agent status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("-------------------------------------------------------------- Netboot ----\n")
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", p.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", p.Build))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", p.Version))
	status.WriteString(fmt.Sprintf("Runtime ................: %s\n", p.Runtime))
	status.WriteString(fmt.Sprintf("Link ...................: %s\n", p.Link))
	status.WriteString(fmt.Sprintf("Address ................: %s\n", p.Address))
	status.WriteString(fmt.Sprintf("Target .................: %s\n", p.Target))
	status.WriteString(fmt.Sprintf("Stage ..................: %v\n", p.Stage))
	status.WriteString(fmt.Sprintf("Received ...............: %d bytes\n", p.Bytes))
	status.WriteString(fmt.Sprintf("SHA-256 ................: %s\n", p.Digest))
	status.WriteString(fmt.Sprintf("Last error .............: %s", p.Error))

	return status.String()
}

// Recorder tracks boot events into a Status.
type Recorder struct {
	mu sync.Mutex
	s  Status
}

// NewRecorder returns a recorder starting from the build information in s.
func NewRecorder(s Status) *Recorder {
	return &Recorder{s: s}
}

// Status returns the current snapshot.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}

func (r *Recorder) Observe(e boot.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Kind {
	case boot.EventStage:
		r.s.Stage = e.Stage
		r.s.Target = e.Target.String()
		if e.Stage == boot.Acquiring {
			r.s.Address, r.s.Digest, r.s.Error, r.s.Bytes = "", "", "", 0
		}
	case boot.EventBound:
		r.s.Address = e.Address.String()
	case boot.EventProgress, boot.EventDownloaded:
		r.s.Bytes = e.Bytes
	case boot.EventDigest:
		r.s.Digest = e.Digest.String()
	case boot.EventFailed:
		r.s.Error = e.Err.Error()
	}
}
