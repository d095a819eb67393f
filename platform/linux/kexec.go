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

package linux

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-netboot/platform"
)

var (
	lockdownPath      = "/sys/kernel/security/lockdown"
	loadDisabledPath  = "/proc/sys/kernel/kexec_load_disabled"
	errNotKexecHandle = errors.New("not a kexec image handle")
)

// Kexec loads kernel images with kexec_file_load and starts them by
// rebooting into them.
type Kexec struct {
	// Cmdline is passed to the started kernel.
	Cmdline string
}

type kexecImage struct {
	f *os.File
}

// LoadImage stages image in an anonymous memory file and registers it with
// the kernel, no file system path is involved.
func (k *Kexec) LoadImage(image []byte) (platform.ImageHandle, error) {
	fd, err := unix.MemfdCreate("netboot-image", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %v", err)
	}
	f := os.NewFile(uintptr(fd), "netboot-image")

	if _, err := f.Write(image); err != nil {
		f.Close()
		return nil, fmt.Errorf("staging image: %v", err)
	}

	if err := kexecFileLoad(int(f.Fd()), k.Cmdline); err != nil {
		f.Close()
		return nil, explain(err)
	}

	klog.Infof("kexec image loaded, %d bytes, cmdline %q", len(image), k.Cmdline)
	return &kexecImage{f: f}, nil
}

// StartImage reboots into the loaded image.
func (k *Kexec) StartImage(h platform.ImageHandle) error {
	if _, ok := h.(*kexecImage); !ok {
		return errNotKexecHandle
	}

	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_KEXEC)
}

// UnloadImage drops the loaded image from the kernel.
func (k *Kexec) UnloadImage(h platform.ImageHandle) error {
	img, ok := h.(*kexecImage)
	if !ok {
		return errNotKexecHandle
	}
	defer img.f.Close()

	return kexecFileUnload()
}

// explain adds the usual reasons for a kexec_file_load failure.
func explain(err error) error {
	switch {
	case errors.Is(err, unix.ENOSYS):
		return fmt.Errorf("kexec support is disabled in the kernel: %w", err)
	case errors.Is(err, unix.ENOEXEC):
		return fmt.Errorf("unsupported image format: %w", err)
	case errors.Is(err, unix.EKEYREJECTED):
		return fmt.Errorf("image signature rejected by the kernel: %w", err)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("another kexec is in progress: %w", err)
	case errors.Is(err, unix.EPERM):
		if b, rerr := os.ReadFile(lockdownPath); rerr == nil {
			if l := strings.TrimSpace(string(b)); strings.Contains(l, "[integrity]") || strings.Contains(l, "[confidentiality]") {
				return fmt.Errorf("kexec blocked by kernel lockdown %s: %w", l, err)
			}
		}
		if b, rerr := os.ReadFile(loadDisabledPath); rerr == nil && strings.TrimSpace(string(b)) == "1" {
			return fmt.Errorf("kexec disabled by kernel.kexec_load_disabled: %w", err)
		}
		return fmt.Errorf("kexec not permitted: %w", err)
	}
	return fmt.Errorf("kexec_file_load: %w", err)
}
