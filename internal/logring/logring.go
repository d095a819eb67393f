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

// Package logring keeps the most recent console log lines in memory so they
// can be served to operators after the fact.
package logring

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

const (
	// DefaultLines is the number of lines kept by Default.
	DefaultLines = 100
	// MaxLineLength bounds a stored line, longer lines are truncated.
	MaxLineLength = 128

	outputLimit = 1024
	flushChr    = '\n'
	ellipsis    = "..."
)

// Ring is an io.Writer that splits its input into lines and retains the
// last N of them.
type Ring struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial bytes.Buffer
}

// New returns a ring holding up to n lines, DefaultLines if n is not
// positive.
func New(n int) *Ring {
	if n <= 0 {
		n = DefaultLines
	}
	return &Ring{lines: make([]string, n)}
}

// Write never fails. A partial line is held until its newline arrives or it
// grows past an internal limit.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range p {
		if c == flushChr {
			r.flush()
			continue
		}
		r.partial.WriteByte(c)
		if r.partial.Len() > outputLimit {
			r.flush()
		}
	}
	return len(p), nil
}

func (r *Ring) flush() {
	l := strings.TrimRight(r.partial.String(), "\r")
	r.partial.Reset()

	if len(l) > MaxLineLength {
		l = l[:MaxLineLength-len(ellipsis)] + ellipsis
	}
	r.lines[r.next] = l
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]string{}, r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// Clear drops all retained lines, including a pending partial one.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.lines)
	r.next = 0
	r.full = false
	r.partial.Reset()
}

// WriteTo writes the retained lines to w, one per line.
func (r *Ring) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, l := range r.Lines() {
		m, err := io.WriteString(w, l+"\n")
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
