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

package logring

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRing(t *testing.T) {
	for _, test := range []struct {
		name   string
		size   int
		writes []string
		want   []string
	}{
		{
			name: "empty",
			size: 3,
			want: []string{},
		}, {
			name:   "split lines",
			size:   3,
			writes: []string{"one\ntw", "o\nthree", "\n"},
			want:   []string{"one", "two", "three"},
		}, {
			name:   "pending line not retained",
			size:   3,
			writes: []string{"one\ntwo"},
			want:   []string{"one"},
		}, {
			name:   "wraps",
			size:   3,
			writes: []string{"1\n2\n3\n4\n5\n"},
			want:   []string{"3", "4", "5"},
		}, {
			name:   "exactly full",
			size:   2,
			writes: []string{"a\r\nb\r\n"},
			want:   []string{"a", "b"},
		}, {
			name:   "truncates",
			size:   2,
			writes: []string{strings.Repeat("x", MaxLineLength+1) + "\n"},
			want:   []string{strings.Repeat("x", MaxLineLength-3) + "..."},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := New(test.size)
			for _, w := range test.writes {
				if n, err := r.Write([]byte(w)); err != nil || n != len(w) {
					t.Fatalf("Write: %d, %v", n, err)
				}
			}
			if diff := cmp.Diff(test.want, r.Lines()); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func TestRingLongPartialFlushed(t *testing.T) {
	r := New(4)
	fmt.Fprint(r, strings.Repeat("y", outputLimit+1))

	got := r.Lines()
	if len(got) != 1 || len(got[0]) != MaxLineLength {
		t.Fatalf("Got %d lines %q, want one truncated line", len(got), got)
	}
}

func TestRingClear(t *testing.T) {
	r := New(0)
	fmt.Fprint(r, "a\nb\npending")
	r.Clear()
	fmt.Fprint(r, "c\n")

	if diff := cmp.Diff([]string{"c"}, r.Lines()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestRingWriteTo(t *testing.T) {
	r := New(2)
	fmt.Fprint(r, "first\nsecond\nthird\n")

	var b bytes.Buffer
	n, err := r.WriteTo(&b)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if want := "second\nthird\n"; b.String() != want || n != int64(len(want)) {
		t.Fatalf("Got %q (%d), want %q", b.String(), n, want)
	}
}
