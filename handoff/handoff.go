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

// Package handoff transfers control of the machine to an in-memory image.
package handoff

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/platform"
)

var (
	ErrLoad  = errors.New("image load failed")
	ErrStart = errors.New("image start failed")
	// ErrReturned reports a started image which handed control back.
	ErrReturned = errors.New("started image returned")
)

// Chainer loads and starts images through the platform loader.
type Chainer struct {
	Loader platform.ImageLoader
}

// Chain registers image with the loader and starts it.
//
// image is handed over as is, no copy of it is written anywhere. On success
// Chain does not return, so the returned error is never nil: it wraps
// ErrLoad, ErrStart or ErrReturned.
func (c *Chainer) Chain(image []byte) error {
	klog.Infof("Loading %d byte image", len(image))

	h, err := c.Loader.LoadImage(image)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	klog.Info("Starting image")
	klog.Flush()

	if err := c.Loader.StartImage(h); err != nil {
		if uerr := c.Loader.UnloadImage(h); uerr != nil {
			klog.Errorf("Unloading image: %v", uerr)
		}
		return fmt.Errorf("%w: %v", ErrStart, err)
	}

	klog.Warning("Started image returned control")
	return ErrReturned
}
