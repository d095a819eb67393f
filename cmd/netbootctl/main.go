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

// The netbootctl command edits the netboot boot menu, checks images and
// queries a running agent.
package main

import (
	"flag"
	"log"
	"os"
)

type Config struct {
	menu string

	status   string
	logs     string
	list     bool
	add      string
	digest   string
	remove   int
	def      int
	check    string
	assumeOK bool
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.StringVar(&conf.menu, "m", "/etc/netboot/menu.yaml", "boot menu file")
	flag.StringVar(&conf.status, "s", "", "get status of the agent at this admin URL")
	flag.StringVar(&conf.logs, "L", "", "get console logs of the agent at this admin URL")
	flag.BoolVar(&conf.list, "l", false, "list boot menu entries")
	flag.StringVar(&conf.add, "a", "", "add image URL to the boot menu")
	flag.StringVar(&conf.digest, "d", "", "expected SHA-256 of the image added with -a")
	flag.IntVar(&conf.remove, "r", -1, "remove boot menu entry")
	flag.IntVar(&conf.def, "D", -1, "set default boot menu entry")
	flag.StringVar(&conf.check, "c", "", "download image URL and print its SHA-256")
	flag.BoolVar(&conf.assumeOK, "y", false, "do not ask for confirmation")
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			log.Fatalf("fatal error, %s", err)
		}
	}()

	flag.Parse()

	switch {
	case len(conf.status) > 0:
		var s string

		s, err = adminGet(conf.status, "status")

		if err == nil {
			log.Print(s)
		}
	case len(conf.logs) > 0:
		var s string

		s, err = adminGet(conf.logs, "consolelog")

		if err == nil {
			log.Print(s)
		}
	case len(conf.check) > 0:
		err = check(conf.check, conf.digest)
	case len(conf.add) > 0:
		err = add(conf.menu, conf.add, conf.digest)
	case conf.remove >= 0:
		err = remove(conf.menu, conf.remove)
	case conf.def >= 0:
		err = setDefault(conf.menu, conf.def)
	case conf.list:
		err = list(conf.menu)
	}
}
