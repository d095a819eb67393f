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

package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntil(t *testing.T) {
	errBroken := errors.New("broken")

	for _, test := range []struct {
		name      string
		doneAfter int
		failAfter int
		wantErr   error
		wantCalls int
	}{
		{
			name:      "done straight away",
			doneAfter: 1,
			wantCalls: 1,
		}, {
			name:      "done after a few polls",
			doneAfter: 4,
			wantCalls: 4,
		}, {
			name:      "condition error",
			failAfter: 3,
			wantErr:   errBroken,
			wantCalls: 3,
		}, {
			name:    "never done",
			wantErr: ErrTimeout,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			calls := 0
			err := Until(context.Background(), time.Millisecond, 200*time.Millisecond, func() (bool, error) {
				calls++
				if test.failAfter > 0 && calls >= test.failAfter {
					return false, errBroken
				}
				return test.doneAfter > 0 && calls >= test.doneAfter, nil
			})
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got err %v, want %v", err, test.wantErr)
			}
			if test.wantCalls > 0 && calls != test.wantCalls {
				t.Fatalf("Got %d calls, want %d", calls, test.wantCalls)
			}
		})
	}
}

func TestUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Until(ctx, time.Millisecond, time.Minute, func() (bool, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Got err %v, want context.Canceled", err)
	}
}

func TestUntilRespectsInterval(t *testing.T) {
	start := time.Now()
	calls := 0
	err := Until(context.Background(), 20*time.Millisecond, 90*time.Millisecond, func() (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Got err %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("Returned after %v, before the deadline", elapsed)
	}
	// One immediate call plus at most one per interval.
	if calls > 6 {
		t.Fatalf("Got %d calls, polled faster than the interval", calls)
	}
}
