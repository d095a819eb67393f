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

//go:build linux

// The netboot command acquires an address on a network interface, downloads
// a boot image over HTTP, checks its SHA-256 digest and kexecs into it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/acquire"
	"github.com/transparency-dev/armored-netboot/api"
	"github.com/transparency-dev/armored-netboot/boot"
	"github.com/transparency-dev/armored-netboot/internal/logring"
	"github.com/transparency-dev/armored-netboot/menu"
	"github.com/transparency-dev/armored-netboot/metrics"
	"github.com/transparency-dev/armored-netboot/platform"
	"github.com/transparency-dev/armored-netboot/platform/httptransport"
	"github.com/transparency-dev/armored-netboot/platform/linux"
	"github.com/transparency-dev/armored-netboot/platform/netstack"
)

// These vars are set at compile time using the -X flag.
var (
	Build    string
	Revision string
	Version  string
)

var (
	ifaceName       = flag.String("iface", "", "Network interface to boot from, the first physical interface if empty.")
	menuFile        = flag.String("menu", "/etc/netboot/menu.yaml", "Boot menu file.")
	index           = flag.Int("index", -1, "Boot menu entry to boot, the menu default if negative.")
	imageURL        = flag.String("url", "", "Image URL to boot instead of a menu entry.")
	imageSHA256     = flag.String("sha256", "", "Expected SHA-256 of the image given with -url.")
	requireDigest   = flag.Bool("require_digest", false, "Refuse to boot images without expected SHA-256.")
	useNetstack     = flag.Bool("netstack", false, "Download over a userspace TCP/IP stack instead of the kernel network.")
	dhcpTimeout     = flag.Duration("dhcp_timeout", acquire.Timeout, "Time allowed to obtain a DHCP lease.")
	transferTimeout = flag.Duration("transfer_timeout", 0, "Time allowed to download the image, no limit if zero.")
	imageLimit      = flag.Int("image_limit", 0, "Largest image accepted in bytes, 512 MiB if zero.")
	attempts        = flag.Int("attempts", 1, "Number of boot attempts before giving up.")
	retryDelay      = flag.Duration("retry_delay", 5*time.Second, "Pause between boot attempts.")
	adminAddr       = flag.String("admin_addr", ":8081", "Address serving /metrics, /status and /consolelog, disabled if empty.")
	cmdline         = flag.String("cmdline", "", "Command line for the booted kernel.")
	list            = flag.Bool("list", false, "List network interfaces and boot menu entries, then exit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	// Keep a copy of the console log for /consolelog.
	console := logring.New(logring.DefaultLines)
	flag.Set("logtostderr", "false")
	flag.Set("one_output", "true")
	klog.SetOutput(io.MultiWriter(os.Stderr, console))

	klog.Infof("netboot %s (%s) %s", Version, Revision, runtime.Version())

	if *list {
		listOrDie()
		return
	}

	nic := nicOrDie(*ifaceName)
	target := targetOrDie()

	recorder := api.NewRecorder(api.Status{
		Build:    Build,
		Revision: Revision,
		Version:  Version,
		Runtime:  runtime.Version(),
		Link:     nic.String(),
	})
	observers := boot.Observers{boot.LogObserver{}, recorder}

	if *adminAddr != "" {
		// The default prom gatherer only has some of the Go collectors.
		prom.Unregister(collectors.NewGoCollector())
		prom.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.GoRuntimeMetricsRule{Matcher: regexp.MustCompile("/.*")})))
		observers = append(observers, metrics.New(prom.DefaultRegisterer))
		go serveAdmin(*adminAddr, recorder, console)
	}

	acq := &acquire.Acquirer{
		Locator: linux.DHCP{},
		Timeout: *dhcpTimeout,
	}

	var dial httptransport.DialFunc
	if *useNetstack {
		ep, err := linux.OpenLink(nic)
		if err != nil {
			klog.Exitf("Failed to open %v: %v", nic, err)
		}
		st, err := netstack.New(ep)
		if err != nil {
			klog.Exitf("Failed to create network stack: %v", err)
		}
		defer st.Close()
		acq.Configurer = st
		dial = st.DialContext
	} else {
		acq.Configurer = &linux.Kernel{}
	}

	transport, err := httptransport.New(dial)
	if err != nil {
		klog.Exitf("Failed to create HTTP transport: %v", err)
	}

	cfg, err := bootConfig(nic)
	if err != nil {
		klog.Exitf("Invalid boot policy: %v", err)
	}
	agent := boot.NewAgent(cfg, acq, transport, &linux.Kexec{Cmdline: *cmdline}, observers)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for i := 1; i <= *attempts; i++ {
		err := agent.Boot(ctx, target)

		var f *boot.Failure
		if errors.As(err, &f) {
			fmt.Fprintln(os.Stderr, f.Print())
		}
		if ctx.Err() != nil || i == *attempts {
			break
		}

		klog.Warningf("Boot attempt %d of %d failed, retrying in %v", i, *attempts, *retryDelay)
		select {
		case <-ctx.Done():
		case <-time.After(*retryDelay):
		}
	}

	klog.Exitf("Failed to boot %v", target)
}

// bootConfig builds the boot policy from the flags.
func bootConfig(nic platform.NIC) (boot.Config, error) {
	if *imageLimit < 0 {
		return boot.Config{}, fmt.Errorf("negative -image_limit %d", *imageLimit)
	}
	if *transferTimeout < 0 {
		return boot.Config{}, fmt.Errorf("negative -transfer_timeout %v", *transferTimeout)
	}
	return boot.Config{
		NIC:             nic,
		RequireDigest:   *requireDigest,
		TransferTimeout: *transferTimeout,
		ImageLimit:      *imageLimit,
	}, nil
}

// targetOrDie resolves the image to boot from the flags and the menu.
func targetOrDie() boot.Target {
	if *imageURL != "" {
		t, err := boot.NewTarget(*imageURL, *imageSHA256)
		if err != nil {
			klog.Exitf("Invalid -url/-sha256: %v", err)
		}
		return t
	}

	m, err := menu.Load(*menuFile)
	if err != nil {
		klog.Exitf("Failed to load boot menu %q: %v", *menuFile, err)
	}

	var t boot.Target
	if *index < 0 {
		t, err = m.DefaultTarget()
	} else {
		t, err = m.Target(*index)
	}
	if err != nil {
		klog.Exitf("No image to boot in %q: %v", *menuFile, err)
	}
	return t
}

func nicOrDie(name string) platform.NIC {
	nics, err := linux.Interfaces()
	if err != nil {
		klog.Exitf("Failed to list network interfaces: %v", err)
	}
	for _, n := range nics {
		if name == "" || n.Name == name {
			return n
		}
	}
	if name == "" {
		klog.Exit("No network interface found")
	}
	klog.Exitf("Network interface %q not found", name)
	return platform.NIC{}
}

func listOrDie() {
	nics, err := linux.Interfaces()
	if err != nil {
		klog.Exitf("Failed to list network interfaces: %v", err)
	}
	fmt.Println("Network interfaces:")
	for _, n := range nics {
		fmt.Printf("  %v\n", n)
	}

	m, err := menu.Load(*menuFile)
	if err != nil {
		klog.Exitf("Failed to load boot menu %q: %v", *menuFile, err)
	}
	def, _ := m.Default()
	fmt.Printf("Boot menu %s:\n", *menuFile)
	for i, e := range m.Entries() {
		mark := " "
		if i == def {
			mark = "*"
		}
		digest := e.SHA256
		if digest == "" {
			digest = "(unsigned)"
		}
		fmt.Printf("%s [%d] %s %s\n", mark, i, e.URL, digest)
	}
}

func serveAdmin(addr string, recorder *api.Recorder, console *logring.Ring) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		klog.Errorf("Failed to listen on %s: %v", addr, err)
		return
	}

	srvMux := http.NewServeMux()
	srvMux.Handle("/metrics", promhttp.Handler())
	srvMux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		s := recorder.Status()
		w.Header().Add("Content-Type", "text/plain")
		w.Write([]byte(s.Print()))
	})
	srvMux.HandleFunc("/consolelog", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("Content-Type", "text/plain")
		console.WriteTo(w)
	})
	srv := &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      srvMux,
	}
	if err := srv.Serve(l); err != http.ErrServerClosed {
		klog.Errorf("Error serving admin endpoint: %v", err)
	}
}
