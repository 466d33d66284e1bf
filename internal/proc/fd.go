// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proc

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

const (
	vmLinkTarget     = "anon_inode:kvm-vm"
	vcpuTargetPrefix = "anon_inode:kvm-vcpu:"
)

// FD is an open file descriptor of a process.
type FD struct {
	Num    int
	Target string
}

// VCPUFD is a KVM vCPU descriptor.
type VCPUFD struct {
	Index int
	FD    int
}

// KVM holds the KVM descriptors of a hypervisor process.
type KVM struct {
	VMFD  int
	VCPUs []VCPUFD
}

// ReadFDs returns the open file descriptors of the process with the given
// pid, sorted by number. Descriptors closed while reading are skipped.
func ReadFDs(fsys fs.FS, pid int) ([]FD, error) {
	dir := path.Join(strconv.Itoa(pid), "fd")

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read fd dir: %w", err)
	}

	fds := make([]FD, 0, len(entries))

	for _, entry := range entries {
		num, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		target, err := readLink(fsys, path.Join(dir, entry.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("read fd %d: %w", num, err)
		}

		fds = append(fds, FD{Num: num, Target: target})
	}

	slices.SortFunc(fds, func(a, b FD) int { return a.Num - b.Num })

	return fds, nil
}

// FindKVM picks the KVM VM and vCPU descriptors from the given descriptors.
//
// Exactly one VM descriptor and at least one vCPU descriptor must be present.
// The vCPUs are returned ordered by index.
func FindKVM(fds []FD) (KVM, error) {
	kvm := KVM{VMFD: -1}
	seen := map[int]bool{}

	for _, fd := range fds {
		switch {
		case fd.Target == vmLinkTarget:
			if kvm.VMFD >= 0 {
				return KVM{}, fmt.Errorf("%w: %d and %d",
					ErrMultipleVMs, kvm.VMFD, fd.Num)
			}

			kvm.VMFD = fd.Num
		case strings.HasPrefix(fd.Target, vcpuTargetPrefix):
			idx, err := strconv.Atoi(strings.TrimPrefix(fd.Target, vcpuTargetPrefix))
			if err != nil {
				return KVM{}, fmt.Errorf("vcpu fd %d: %w", fd.Num, err)
			}

			if seen[idx] {
				return KVM{}, fmt.Errorf("%w: %d", ErrDuplicateVCPU, idx)
			}

			seen[idx] = true
			kvm.VCPUs = append(kvm.VCPUs, VCPUFD{Index: idx, FD: fd.Num})
		}
	}

	if kvm.VMFD < 0 {
		return KVM{}, ErrNoVM
	}

	if len(kvm.VCPUs) == 0 {
		return KVM{}, ErrNoVCPUs
	}

	slices.SortFunc(kvm.VCPUs, func(a, b VCPUFD) int { return a.Index - b.Index })

	return kvm, nil
}
