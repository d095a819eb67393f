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

// Package verify checks downloaded boot images against an expected SHA-256
// digest.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// ChunkSize is the amount of image data hashed per update.
const ChunkSize = 8 << 10

// DigestTextLength is the length of a hex encoded digest.
const DigestTextLength = 2 * sha256.Size

// Digest is a SHA-256 value.
type Digest [sha256.Size]byte

// ParseDigest decodes 64 hexadecimal characters, in either case.
func ParseDigest(s string) (Digest, error) {
	var d Digest

	s = strings.TrimSpace(s)
	if len(s) != DigestTextLength {
		return d, fmt.Errorf("invalid digest length %d, want %d hex characters", len(s), DigestTextLength)
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("invalid digest %q: %v", s, err)
	}

	return d, nil
}

// String returns the lowercase hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Digester accumulates a digest over image data written in arbitrary
// chunks.
type Digester struct {
	h hash.Hash
	n int64
}

// NewDigester returns an empty accumulator.
func NewDigester() *Digester {
	return &Digester{h: sha256.New()}
}

// Write adds p to the digest, it never fails.
func (d *Digester) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	return d.h.Write(p)
}

// Len returns the number of bytes consumed so far.
func (d *Digester) Len() int64 {
	return d.n
}

// Sum returns the digest of all data written so far.
func (d *Digester) Sum() (sum Digest) {
	copy(sum[:], d.h.Sum(nil))
	return
}

func digest(buf []byte) *Digester {
	d := NewDigester()

	for len(buf) > 0 {
		n := min(len(buf), ChunkSize)
		d.Write(buf[:n])
		buf = buf[n:]
	}

	return d
}

// Sum computes the digest of buf, ChunkSize bytes at a time.
func Sum(buf []byte) Digest {
	return digest(buf).Sum()
}

// Outcome is the result of checking an image against its expected digest.
type Outcome int

const (
	// Unsigned means no expected digest was supplied.
	Unsigned Outcome = iota
	Verified
	Mismatch
)

func (o Outcome) String() string {
	switch o {
	case Unsigned:
		return "unsigned"
	case Verified:
		return "verified"
	case Mismatch:
		return "mismatch"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is the verdict of Verify. Actual is always set, also for unsigned
// images, so that it can be recorded.
type Result struct {
	Outcome  Outcome
	Expected *Digest
	Actual   Digest
	// Bytes is the number of bytes hashed.
	Bytes    int64
}

// Err returns a *MismatchError for mismatched images, nil otherwise.
func (r Result) Err() error {
	if r.Outcome != Mismatch {
		return nil
	}
	return &MismatchError{Expected: *r.Expected, Actual: r.Actual}
}

// MismatchError reports an image whose digest differs from the expected one.
type MismatchError struct {
	Expected Digest
	Actual   Digest
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, actual %s", e.Expected, e.Actual)
}

// ErrMismatch matches any *MismatchError with errors.Is.
var ErrMismatch = errors.New("digest mismatch")

func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatch
}

// Verify hashes buf and compares it against expected, which may be nil.
//
// Both digests are compared as lowercase hex text, case-insensitively.
func Verify(buf []byte, expected *Digest) Result {
	d := digest(buf)
	r := Result{
		Outcome:  Unsigned,
		Expected: expected,
		Actual:   d.Sum(),
		Bytes:    d.Len(),
	}

	if expected == nil {
		return r
	}

	if strings.EqualFold(r.Actual.String(), expected.String()) {
		r.Outcome = Verified
	} else {
		r.Outcome = Mismatch
	}

	return r
}
