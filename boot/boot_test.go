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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/netip"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-netboot/acquire"
	"github.com/transparency-dev/armored-netboot/handoff"
	"github.com/transparency-dev/armored-netboot/internal/testonly"
	"github.com/transparency-dev/armored-netboot/platform"
	"github.com/transparency-dev/armored-netboot/transfer"
	"github.com/transparency-dev/armored-netboot/verify"
)

const testURL = "http://h/test.efi"

var testImage = []byte(strings.Repeat("PE32+ test image ", 20000))

func testDigest() string {
	s := sha256.Sum256(testImage)
	return hex.EncodeToString(s[:])
}

type env struct {
	svc    *testonly.AddressService
	tr     *testonly.Transport
	loader *testonly.Loader
	agent  *Agent
	events []Event
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	e := &env{
		svc: &testonly.AddressService{
			States:  []platform.AddressState{platform.AddressSelecting, platform.AddressRequesting, platform.AddressBound},
			Address: netip.MustParsePrefix("192.168.1.20/24"),
		},
		tr: &testonly.Transport{
			Files:    map[string][]byte{testURL: testImage},
			MaxChunk: 7000,
		},
		loader: &testonly.Loader{
			OnStart: func([]byte) { runtime.Goexit() },
		},
	}
	a := &acquire.Acquirer{
		Locator:      &testonly.AddressLocator{Services: []platform.AddressService{e.svc}},
		PollInterval: time.Millisecond,
		Timeout:      50 * time.Millisecond,
	}
	cfg.NIC = platform.NIC{Name: "eth0"}
	e.agent = NewAgent(cfg, a, e.tr, e.loader, ObserverFunc(func(ev Event) {
		if ev.Kind != EventProgress {
			e.events = append(e.events, ev)
		}
	}))
	return e
}

// boot runs an attempt on its own goroutine, so that a successful handoff
// can end it without returning.
func (e *env) boot(t *testing.T, url, digest string) (bool, error) {
	t.Helper()
	tgt, err := NewTarget(url, digest)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}

	var returned bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		err = e.agent.Boot(context.Background(), tgt)
		returned = true
	}()
	<-done

	return returned, err
}

type step struct {
	Stage Stage
	Kind  EventKind
}

func (e *env) steps() []step {
	var s []step
	for _, ev := range e.events {
		s = append(s, step{ev.Stage, ev.Kind})
	}
	return s
}

func wantFailure(t *testing.T, err error, stage Stage, target error) {
	t.Helper()
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("Got %v, want *Failure", err)
	}
	if f.Stage != stage {
		t.Fatalf("Got failure at %v, want %v", f.Stage, stage)
	}
	if !errors.Is(err, target) {
		t.Fatalf("Got %v, want %v", err, target)
	}
}

func TestBootVerified(t *testing.T) {
	e := newEnv(t, Config{})

	returned, err := e.boot(t, testURL, strings.ToUpper(testDigest()))
	if returned {
		t.Fatalf("Boot returned %v, want no return", err)
	}

	loaded := e.loader.Loaded()
	if len(loaded) != 1 || e.loader.Started() != 1 {
		t.Fatalf("Got %d loads and %d starts, want 1 each", len(loaded), e.loader.Started())
	}
	if got := verify.Sum(loaded[0]).String(); got != testDigest() {
		t.Fatalf("Started image digest %s, want %s", got, testDigest())
	}
	if e.svc.Live() != 0 {
		t.Fatalf("Got %d live DHCP clients, want 0", e.svc.Live())
	}

	want := []step{
		{Acquiring, EventStage},
		{Acquiring, EventBound},
		{Downloading, EventStage},
		{Downloading, EventDownloaded},
		{Verifying, EventStage},
		{Verifying, EventDigest},
		{Handoff, EventStage},
	}
	if diff := cmp.Diff(want, e.steps()); diff != "" {
		t.Fatalf("Got events diff: %s", diff)
	}
	if got := e.events[3].Bytes; got != int64(len(testImage)) {
		t.Fatalf("Got %d bytes downloaded, want %d", got, len(testImage))
	}
	if got := e.events[5].Bytes; got != int64(len(testImage)) {
		t.Fatalf("Got %d bytes hashed, want %d", got, len(testImage))
	}
}

func TestBootMismatch(t *testing.T) {
	e := newEnv(t, Config{})

	returned, err := e.boot(t, testURL, strings.Repeat("0", 64))
	if !returned {
		t.Fatal("Boot did not return")
	}
	wantFailure(t, err, Verifying, verify.ErrMismatch)

	if n := len(e.loader.Loaded()); n != 0 {
		t.Fatalf("Got %d loads after mismatch, want 0", n)
	}
	var f *Failure
	errors.As(err, &f)
	report := f.Print()
	for _, d := range []string{strings.Repeat("0", 64), testDigest()} {
		if !strings.Contains(report, d) {
			t.Fatalf("Report does not contain %s:\n%s", d, report)
		}
	}
}

func TestBootUnsigned(t *testing.T) {
	e := newEnv(t, Config{})

	returned, err := e.boot(t, testURL, "")
	if returned {
		t.Fatalf("Boot returned %v, want no return", err)
	}
	if e.loader.Started() != 1 {
		t.Fatalf("Got %d starts, want 1", e.loader.Started())
	}

	want := []step{
		{Verifying, EventStage},
		{Verifying, EventDigest},
		{Verifying, EventUnsigned},
		{Handoff, EventStage},
	}
	if diff := cmp.Diff(want, e.steps()[4:]); diff != "" {
		t.Fatalf("Got events diff: %s", diff)
	}
	if got := e.events[6].Digest.String(); got != testDigest() {
		t.Fatalf("Got unsigned digest %s, want %s", got, testDigest())
	}
}

func TestBootRequireDigest(t *testing.T) {
	e := newEnv(t, Config{RequireDigest: true})

	_, err := e.boot(t, testURL, "")
	wantFailure(t, err, Verifying, ErrUnsigned)
	if e.loader.Started() != 0 {
		t.Fatalf("Got %d starts, want 0", e.loader.Started())
	}
}

func TestBootFailures(t *testing.T) {
	for _, test := range []struct {
		name      string
		url       string
		setup     func(e *env)
		wantStage Stage
		wantErr   error
	}{
		{
			name:      "connection refused",
			url:       testURL,
			setup:     func(e *env) { e.tr.Refuse = map[string]bool{"h": true} },
			wantStage: Downloading,
			wantErr:   transfer.ErrNetwork,
		}, {
			name:      "not found",
			url:       "http://h/missing.efi",
			wantStage: Downloading,
			wantErr:   &transfer.StatusError{},
		}, {
			name:      "interrupted",
			url:       testURL,
			setup:     func(e *env) { e.tr.FailAfter = 50000 },
			wantStage: Downloading,
			wantErr:   transfer.ErrTransferInterrupted,
		}, {
			name:      "image over limit",
			url:       testURL,
			setup:     func(e *env) { e.agent.config.ImageLimit = len(testImage) - 1 },
			wantStage: Downloading,
			wantErr:   transfer.ErrImageTooLarge,
		}, {
			name:      "never bound",
			url:       testURL,
			setup:     func(e *env) { e.svc.States = []platform.AddressState{platform.AddressSelecting} },
			wantStage: Acquiring,
			wantErr:   acquire.ErrTimeout,
		}, {
			name:      "no DHCP service",
			url:       testURL,
			setup:     func(e *env) { e.svc.CreateErr = errors.New("out of resources") },
			wantStage: Acquiring,
			wantErr:   acquire.ErrServiceUnavailable,
		}, {
			name:      "load error",
			url:       testURL,
			setup:     func(e *env) { e.loader.LoadErr = errors.New("unsupported") },
			wantStage: Handoff,
			wantErr:   handoff.ErrLoad,
		}, {
			name:      "start error",
			url:       testURL,
			setup:     func(e *env) { e.loader.StartErr = errors.New("denied"); e.loader.OnStart = nil },
			wantStage: Handoff,
			wantErr:   handoff.ErrStart,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEnv(t, Config{})
			if test.setup != nil {
				test.setup(e)
			}

			returned, err := e.boot(t, test.url, testDigest())
			if !returned {
				t.Fatal("Boot did not return")
			}

			var f *Failure
			if !errors.As(err, &f) || f.Stage != test.wantStage {
				t.Fatalf("Got %v, want failure at %v", err, test.wantStage)
			}
			if se, ok := test.wantErr.(*transfer.StatusError); ok {
				if !errors.As(err, &se) {
					t.Fatalf("Got %v, want *transfer.StatusError", err)
				}
			} else if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}

			if e.svc.Live() != 0 {
				t.Fatalf("Got %d live DHCP clients, want 0", e.svc.Live())
			}
			if test.wantStage < Handoff && len(e.loader.Loaded()) != 0 {
				t.Fatal("Image loaded after an earlier failure")
			}
			if test.wantStage == Acquiring && e.tr.Connects() != 0 {
				t.Fatalf("Got %d transport connects, want 0", e.tr.Connects())
			}

			last := e.events[len(e.events)-1]
			if last.Kind != EventFailed || last.Stage != test.wantStage {
				t.Fatalf("Got last event %v at %v, want %v at %v", last.Kind, last.Stage, EventFailed, test.wantStage)
			}
			for _, ev := range e.events {
				if ev.Kind == EventStage && ev.Stage > test.wantStage {
					t.Fatalf("Entered %v after failing at %v", ev.Stage, test.wantStage)
				}
			}
		})
	}
}

func TestBootNoLeakAcrossAttempts(t *testing.T) {
	e := newEnv(t, Config{})
	e.tr.Refuse = map[string]bool{"h": true}

	const attempts = 10
	for i := 0; i < attempts; i++ {
		if _, err := e.boot(t, testURL, ""); !errors.Is(err, transfer.ErrNetwork) {
			t.Fatalf("Attempt %d: got %v, want ErrNetwork", i, err)
		}
		if e.svc.Live() != 0 {
			t.Fatalf("Attempt %d: got %d live DHCP clients, want 0", i, e.svc.Live())
		}
	}
	if got := e.svc.Created(); got != attempts {
		t.Fatalf("Got %d DHCP clients created, want one per attempt (%d)", got, attempts)
	}
}

func TestBootBusy(t *testing.T) {
	e := newEnv(t, Config{})
	e.tr.Refuse = map[string]bool{"h": true}

	tgt, err := NewTarget(testURL, "")
	if err != nil {
		t.Fatal(err)
	}
	var nested error
	e.agent.observer = ObserverFunc(func(ev Event) {
		if ev.Kind == EventStage && ev.Stage == Acquiring {
			nested = e.agent.Boot(context.Background(), tgt)
		}
	})

	if err := e.agent.Boot(context.Background(), tgt); !errors.Is(err, transfer.ErrNetwork) {
		t.Fatalf("Got %v, want ErrNetwork", err)
	}
	if !errors.Is(nested, ErrBusy) {
		t.Fatalf("Got concurrent attempt error %v, want ErrBusy", nested)
	}
	if got := e.svc.Created(); got != 1 {
		t.Fatalf("Got %d DHCP clients created, want 1", got)
	}
}

func TestBootRejectsURLBeforeAcquiring(t *testing.T) {
	e := newEnv(t, Config{})

	err := e.agent.Boot(context.Background(), Target{URL: "https://h/test.efi"})
	wantFailure(t, err, Idle, transfer.ErrInvalidURL)
	if n := e.svc.Created(); n != 0 {
		t.Fatalf("Got %d DHCP clients created, want 0", n)
	}
	if n := e.tr.Connects(); n != 0 {
		t.Fatalf("Got %d connections, want 0", n)
	}
}

func TestNewTarget(t *testing.T) {
	for _, test := range []struct {
		name       string
		url        string
		digest     string
		wantErr    bool
		wantDigest bool
	}{
		{name: "signed", url: testURL, digest: testDigest(), wantDigest: true},
		{name: "unsigned", url: testURL},
		{name: "url at limit", url: "http://h/" + strings.Repeat("a", MaxURLLength-9)},
		{name: "url too long", url: "http://h/" + strings.Repeat("a", MaxURLLength-8), wantErr: true},
		{name: "empty url", url: "", wantErr: true},
		{name: "bad digest", url: testURL, digest: "abc", wantErr: true},
		{name: "https", url: "https://h/test.efi", wantErr: true},
		{name: "no host", url: "http:///test.efi", wantErr: true},
		{name: "not a url", url: "h/test.efi", wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			tgt, err := NewTarget(test.url, test.digest)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidTarget) {
					t.Fatalf("Got %v, want ErrInvalidTarget", err)
				}
				return
			}
			if got := tgt.Digest != nil; got != test.wantDigest {
				t.Fatalf("Got digest %v, want present=%t", tgt.Digest, test.wantDigest)
			}
		})
	}
}
