// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kvm

import (
	"io/fs"

	"github.com/aibor/vmgraft/internal/proc"
)

// Target describes the KVM resources of a hypervisor process.
type Target struct {
	PID int
	KVM proc.KVM

	// Threads maps vCPU indexes to the thread ids running them.
	Threads map[int]int

	// FS is the proc file system. [proc.DirFS] of [proc.DefaultRoot] is used
	// if nil.
	FS fs.FS
}
