// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sys

import (
	"debug/elf"
	"os"
	"runtime"
)

// Arch is a CPU architecture name as used by GOARCH.
type Arch string

// Known architectures. Only [AMD64] can be attached to.
const (
	AMD64   Arch = "amd64"
	ARM64   Arch = "arm64"
	RISCV64 Arch = "riscv64"
)

// Native is the architecture of the host.
const Native Arch = Arch(runtime.GOARCH)

func (a *Arch) String() string {
	return string(*a)
}

// IsNative reports whether the architecture is the host's.
func (a *Arch) IsNative() bool {
	return Native == *a
}

// KVMAvailable checks if KVM support is available for the given architecture.
func (a *Arch) KVMAvailable() bool {
	if !a.IsNative() {
		return false
	}

	f, err := os.OpenFile("/dev/kvm", os.O_WRONLY, 0)
	if err != nil {
		return false
	}

	_ = f.Close()

	return true
}

// Attachable reports whether processes running guests of this architecture
// can be attached to.
func (a *Arch) Attachable() bool {
	return *a == AMD64
}

// Machine returns the ELF machine type for the architecture.
func (a *Arch) Machine() (elf.Machine, error) {
	switch *a {
	case AMD64:
		return elf.EM_X86_64, nil
	case ARM64:
		return elf.EM_AARCH64, nil
	case RISCV64:
		return elf.EM_RISCV, nil
	default:
		return elf.EM_NONE, ErrArchNotSupported
	}
}
