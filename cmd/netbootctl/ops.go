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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/transparency-dev/armored-netboot/boot"
	"github.com/transparency-dev/armored-netboot/menu"
	"github.com/transparency-dev/armored-netboot/platform"
	"github.com/transparency-dev/armored-netboot/platform/httptransport"
	"github.com/transparency-dev/armored-netboot/transfer"
	"github.com/transparency-dev/armored-netboot/verify"
)

func confirm(msg string) bool {
	if conf.assumeOK {
		return true
	}

	var res string

	fmt.Printf("%s (y/n): ", msg)
	fmt.Scanln(&res)

	return res == "y"
}

// adminGet fetches a page from the admin endpoint of a running agent.
func adminGet(adminURL, page string) (string, error) {
	u, err := url.JoinPath(adminURL, page)
	if err != nil {
		return "", err
	}

	c, err := httptransport.NewClient(nil)
	if err != nil {
		return "", err
	}
	resp, err := c.Get(u)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return string(b), nil
}

// check downloads and verifies an image exactly as the agent would, without
// booting it.
func check(rawURL, digest string) error {
	t, err := boot.NewTarget(rawURL, digest)
	if err != nil {
		return err
	}

	tr, err := httptransport.New(nil)
	if err != nil {
		return err
	}
	c := &transfer.Client{Transport: tr}
	buf := transfer.NewBuffer(0)

	if _, err := c.Fetch(context.Background(), platform.Binding{}, t.URL, buf); err != nil {
		return err
	}

	r := verify.Verify(buf.Bytes(), t.Digest)
	log.Printf("%s: %d bytes, sha256 %s, %v", t.URL, r.Bytes, r.Actual, r.Outcome)

	return r.Err()
}

func edit(path string, f func(m *menu.Menu) error) error {
	m, err := menu.Load(path)
	if err != nil {
		return err
	}
	if err := f(m); err != nil {
		return err
	}
	return m.Save(path)
}

func add(path, rawURL, digest string) error {
	return edit(path, func(m *menu.Menu) error {
		if digest == "" && !confirm(fmt.Sprintf("add %s without SHA-256?", rawURL)) {
			return errors.New("aborted")
		}
		i, err := m.Add(rawURL, digest)
		if err == nil {
			log.Printf("added entry %d", i)
		}
		return err
	})
}

func remove(path string, i int) error {
	return edit(path, func(m *menu.Menu) error {
		t, err := m.Target(i)
		if err != nil {
			return err
		}
		if !confirm(fmt.Sprintf("remove entry %d (%v)?", i, t)) {
			return errors.New("aborted")
		}
		return m.Remove(i)
	})
}

func setDefault(path string, i int) error {
	return edit(path, func(m *menu.Menu) error {
		return m.SetDefault(i)
	})
}

func list(path string) error {
	m, err := menu.Load(path)
	if err != nil {
		return err
	}

	def, _ := m.Default()
	for i, e := range m.Entries() {
		mark := " "
		if i == def {
			mark = "*"
		}
		digest := e.SHA256
		if digest == "" {
			digest = "(unsigned)"
		}
		log.Printf("%s [%d] %s %s", mark, i, e.URL, digest)
	}
	return nil
}
