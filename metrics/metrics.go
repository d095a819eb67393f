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

// Package metrics exports boot attempt events as prometheus metrics.
package metrics

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/transparency-dev/armored-netboot/boot"
)

const prefix = "netboot_"

// Observer counts boot events.
type Observer struct {
	stages     *prom.CounterVec
	failures   *prom.CounterVec
	downloaded prom.Counter
	progress   prom.Gauge
	unsigned   prom.Counter
}

// New creates the metrics and registers them with r.
func New(r prom.Registerer) *Observer {
	o := &Observer{
		stages: prom.NewCounterVec(prom.CounterOpts{
			Name: prefix + "stage_entered_total",
			Help: "Number of times each boot stage was entered.",
		}, []string{"stage"}),
		failures: prom.NewCounterVec(prom.CounterOpts{
			Name: prefix + "failures_total",
			Help: "Number of boot attempts which failed, by stage.",
		}, []string{"stage"}),
		downloaded: prom.NewCounter(prom.CounterOpts{
			Name: prefix + "downloaded_bytes_total",
			Help: "Bytes of completely downloaded images.",
		}),
		progress: prom.NewGauge(prom.GaugeOpts{
			Name: prefix + "download_progress_bytes",
			Help: "Bytes received by the current download.",
		}),
		unsigned: prom.NewCounter(prom.CounterOpts{
			Name: prefix + "unsigned_images_total",
			Help: "Number of images started without expected digest.",
		}),
	}
	r.MustRegister(o.stages, o.failures, o.downloaded, o.progress, o.unsigned)
	return o
}

func (o *Observer) Observe(e boot.Event) {
	switch e.Kind {
	case boot.EventStage:
		o.stages.WithLabelValues(e.Stage.String()).Inc()
		if e.Stage == boot.Downloading {
			o.progress.Set(0)
		}
	case boot.EventProgress:
		o.progress.Set(float64(e.Bytes))
	case boot.EventDownloaded:
		o.downloaded.Add(float64(e.Bytes))
	case boot.EventUnsigned:
		o.unsigned.Inc()
	case boot.EventFailed:
		o.failures.WithLabelValues(e.Stage.String()).Inc()
	}
}
