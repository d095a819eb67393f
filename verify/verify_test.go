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

package verify

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
)

func mustParse(t *testing.T, s string) *Digest {
	t.Helper()
	d, err := ParseDigest(s)
	if err != nil {
		t.Fatalf("ParseDigest(%q): %v", s, err)
	}
	return &d
}

func TestSum(t *testing.T) {
	for _, test := range []struct {
		name string
		in   []byte
		want string
	}{
		{name: "empty", in: nil, want: emptySHA256},
		{name: "hello", in: []byte("hello"), want: helloSHA256},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := Sum(test.in).String(); got != test.want {
				t.Fatalf("Got %s, want %s", got, test.want)
			}
		})
	}
}

func TestChunkBoundaryIndependence(t *testing.T) {
	img := make([]byte, 5*ChunkSize+123)
	rand.New(rand.NewSource(1)).Read(img)
	want := Sum(img)

	r := rand.New(rand.NewSource(2))
	for i := 0; i < 20; i++ {
		d := NewDigester()
		for rest := img; len(rest) > 0; {
			n := min(r.Intn(3*ChunkSize)+1, len(rest))
			d.Write(rest[:n])
			rest = rest[n:]
		}
		if got := d.Sum(); got != want {
			t.Fatalf("Segmentation %d: got %s, want %s", i, got, want)
		}
		if got, want := d.Len(), int64(len(img)); got != want {
			t.Fatalf("Got length %d, want %d", got, want)
		}
	}

	byteWise := NewDigester()
	for _, b := range img {
		byteWise.Write([]byte{b})
	}
	if got := byteWise.Sum(); got != want {
		t.Fatalf("Byte-wise: got %s, want %s", got, want)
	}
}

func TestParseDigest(t *testing.T) {
	for _, test := range []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "lowercase", in: helloSHA256},
		{name: "uppercase", in: strings.ToUpper(helloSHA256)},
		{name: "surrounding space", in: " " + helloSHA256 + "\n"},
		{name: "too short", in: helloSHA256[:63], wantErr: true},
		{name: "too long", in: helloSHA256 + "0", wantErr: true},
		{name: "not hex", in: strings.Repeat("z", 64), wantErr: true},
		{name: "empty", in: "", wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			d, err := ParseDigest(test.in)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			if got := d.String(); got != helloSHA256 {
				t.Fatalf("Got %s, want %s", got, helloSHA256)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	hello := []byte("hello")
	zeros := strings.Repeat("0", 64)

	for _, test := range []struct {
		name     string
		buf      []byte
		expected *Digest
		want     Outcome
	}{
		{name: "verified", buf: hello, expected: mustParse(t, helloSHA256), want: Verified},
		{name: "verified uppercase", buf: hello, expected: mustParse(t, strings.ToUpper(helloSHA256)), want: Verified},
		{name: "mismatch", buf: hello, expected: mustParse(t, zeros), want: Mismatch},
		{name: "unsigned", buf: hello, want: Unsigned},
		{name: "unsigned empty", buf: nil, want: Unsigned},
		{name: "several chunks", buf: bytes.Repeat(hello, ChunkSize), want: Unsigned},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := Verify(test.buf, test.expected)
			if r.Outcome != test.want {
				t.Fatalf("Got outcome %v, want %v", r.Outcome, test.want)
			}
			if got, want := r.Actual, Sum(test.buf); got != want {
				t.Fatalf("Got actual %s, want %s", got, want)
			}
			if got, want := r.Bytes, int64(len(test.buf)); got != want {
				t.Fatalf("Got %d bytes hashed, want %d", got, want)
			}
			if gotErr := r.Err() != nil; gotErr != (test.want == Mismatch) {
				t.Fatalf("Got Err() %v for outcome %v", r.Err(), r.Outcome)
			}
		})
	}
}

func TestMismatchError(t *testing.T) {
	zeros := mustParse(t, strings.Repeat("0", 64))
	img := bytes.Repeat([]byte{0xa5}, 3*ChunkSize)

	err := Verify(img, zeros).Err()
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("Got %v, want ErrMismatch", err)
	}
	var me *MismatchError
	if !errors.As(err, &me) {
		t.Fatalf("Got %T, want *MismatchError", err)
	}
	want := MismatchError{Expected: *zeros, Actual: Sum(img)}
	if diff := cmp.Diff(want, *me); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
	if msg := err.Error(); !strings.Contains(msg, zeros.String()) || !strings.Contains(msg, Sum(img).String()) {
		t.Fatalf("Error %q does not carry both digests", msg)
	}
}
