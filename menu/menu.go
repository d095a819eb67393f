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

// Package menu maintains the bounded list of boot images an agent can pick
// from, and its on-disk form.
package menu

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-netboot/boot"
)

// MaxEntries is the capacity of a menu.
const MaxEntries = 16

var (
	ErrFull      = errors.New("boot menu full")
	ErrNotFound  = errors.New("no such boot entry")
	ErrNoDefault = errors.New("no default boot entry")
)

// Entry is one bootable image. An empty SHA256 marks an unsigned image.
type Entry struct {
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256,omitempty"`
}

// Target converts the entry for the boot agent.
func (e Entry) Target() (boot.Target, error) {
	return boot.NewTarget(e.URL, e.SHA256)
}

// Menu is an ordered list of at most MaxEntries images with an optional
// default.
type Menu struct {
	entries []Entry
	def     int
}

type file struct {
	Default *int    `yaml:"default,omitempty"`
	Images  []Entry `yaml:"images"`
}

// New returns an empty menu without default.
func New() *Menu {
	return &Menu{
		entries: make([]Entry, 0, MaxEntries),
		def:     -1,
	}
}

// Len returns the number of entries.
func (m *Menu) Len() int {
	return len(m.entries)
}

// Entries returns a copy of the entries in menu order.
func (m *Menu) Entries() []Entry {
	return append([]Entry(nil), m.entries...)
}

// Add appends an image and returns its index.
func (m *Menu) Add(url, sha256 string) (int, error) {
	if len(m.entries) == MaxEntries {
		return 0, fmt.Errorf("%w (%d entries)", ErrFull, MaxEntries)
	}

	e := Entry{URL: url, SHA256: sha256}
	t, err := e.Target()
	if err != nil {
		return 0, err
	}

	// store the normalized form
	e.URL = t.URL
	e.SHA256 = ""
	if t.Digest != nil {
		e.SHA256 = t.Digest.String()
	}

	m.entries = append(m.entries, e)
	return len(m.entries) - 1, nil
}

func (m *Menu) check(i int) error {
	if i < 0 || i >= len(m.entries) {
		return fmt.Errorf("%w: index %d of %d", ErrNotFound, i, len(m.entries))
	}
	return nil
}

// Remove deletes entry i. The default follows its entry, and is cleared if it
// was i.
func (m *Menu) Remove(i int) error {
	if err := m.check(i); err != nil {
		return err
	}

	m.entries = append(m.entries[:i], m.entries[i+1:]...)

	switch {
	case m.def == i:
		m.def = -1
	case m.def > i:
		m.def--
	}

	return nil
}

// SetDefault selects entry i as default.
func (m *Menu) SetDefault(i int) error {
	if err := m.check(i); err != nil {
		return err
	}
	m.def = i
	return nil
}

// Default returns the default index, if any.
func (m *Menu) Default() (int, bool) {
	return m.def, m.def >= 0
}

// Target returns the boot target of entry i.
func (m *Menu) Target(i int) (boot.Target, error) {
	if err := m.check(i); err != nil {
		return boot.Target{}, err
	}
	return m.entries[i].Target()
}

// DefaultTarget returns the boot target of the default entry.
func (m *Menu) DefaultTarget() (boot.Target, error) {
	if m.def < 0 {
		return boot.Target{}, ErrNoDefault
	}
	return m.Target(m.def)
}

// Parse decodes a YAML menu.
func Parse(b []byte) (*Menu, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse boot menu: %w", err)
	}

	m := New()
	for i, e := range f.Images {
		if _, err := m.Add(e.URL, e.SHA256); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
	}
	if f.Default != nil {
		if err := m.SetDefault(*f.Default); err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
	}

	return m, nil
}

// Marshal encodes the menu as YAML.
func (m *Menu) Marshal() ([]byte, error) {
	f := file{Images: m.entries}
	if d, ok := m.Default(); ok {
		f.Default = &d
	}
	return yaml.Marshal(&f)
}

// Load reads a menu file. A missing file yields an empty menu.
func Load(path string) (*Menu, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Save writes the menu to path, replacing any previous file atomically.
func (m *Menu) Save(path string) error {
	b, err := m.Marshal()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
