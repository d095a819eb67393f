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

package metrics

import (
	"errors"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/transparency-dev/armored-netboot/boot"
)

func TestObserver(t *testing.T) {
	r := prom.NewRegistry()
	o := New(r)

	for _, e := range []boot.Event{
		{Stage: boot.Acquiring, Kind: boot.EventStage},
		{Stage: boot.Downloading, Kind: boot.EventStage},
		{Stage: boot.Downloading, Kind: boot.EventProgress, Bytes: 4096},
		{Stage: boot.Downloading, Kind: boot.EventProgress, Bytes: 8192},
		{Stage: boot.Downloading, Kind: boot.EventDownloaded, Bytes: 8192},
		{Stage: boot.Verifying, Kind: boot.EventStage},
		{Stage: boot.Verifying, Kind: boot.EventFailed, Err: errors.New("mismatch")},
		{Stage: boot.Acquiring, Kind: boot.EventStage},
		{Stage: boot.Acquiring, Kind: boot.EventFailed, Err: errors.New("timeout")},
	} {
		o.Observe(e)
	}

	if got := testutil.ToFloat64(o.stages.WithLabelValues("Acquiring")); got != 2 {
		t.Errorf("Got %v Acquiring entries, want 2", got)
	}
	if got := testutil.ToFloat64(o.progress); got != 8192 {
		t.Errorf("Got progress %v, want 8192", got)
	}
	if got := testutil.ToFloat64(o.downloaded); got != 8192 {
		t.Errorf("Got %v bytes downloaded, want 8192", got)
	}
	if got := testutil.ToFloat64(o.unsigned); got != 0 {
		t.Errorf("Got %v unsigned images, want 0", got)
	}

	want := `
# HELP netboot_failures_total Number of boot attempts which failed, by stage.
# TYPE netboot_failures_total counter
netboot_failures_total{stage="Acquiring"} 1
netboot_failures_total{stage="Verifying"} 1
`
	if err := testutil.GatherAndCompare(r, strings.NewReader(want), "netboot_failures_total"); err != nil {
		t.Fatal(err)
	}
}
