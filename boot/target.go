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
	"errors"
	"fmt"
	"strings"

	"github.com/transparency-dev/armored-netboot/transfer"
	"github.com/transparency-dev/armored-netboot/verify"
)

// MaxURLLength bounds the length of a boot URL.
const MaxURLLength = 256

var ErrInvalidTarget = errors.New("invalid boot target")

// Target is the image chosen for one boot attempt. A nil Digest marks an
// unsigned target.
type Target struct {
	URL    string
	Digest *verify.Digest
}

// NewTarget builds a target from its textual form. An empty digest selects
// an unsigned boot.
func NewTarget(url, digest string) (Target, error) {
	t := Target{URL: strings.TrimSpace(url)}

	if err := t.validate(); err != nil {
		return Target{}, err
	}

	if digest = strings.TrimSpace(digest); digest != "" {
		d, err := verify.ParseDigest(digest)
		if err != nil {
			return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		t.Digest = &d
	}

	return t, nil
}

func (t Target) validate() error {
	switch {
	case t.URL == "":
		return fmt.Errorf("%w: empty URL", ErrInvalidTarget)
	case len(t.URL) > MaxURLLength:
		return fmt.Errorf("%w: URL longer than %d characters", ErrInvalidTarget, MaxURLLength)
	}
	if _, err := transfer.ParseURL(t.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	return nil
}

func (t Target) String() string {
	if t.Digest == nil {
		return fmt.Sprintf("%s (unsigned)", t.URL)
	}
	return fmt.Sprintf("%s (sha256 %s)", t.URL, t.Digest)
}
