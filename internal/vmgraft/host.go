// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vmgraft

import (
	"context"
	"io/fs"
	"os"

	"github.com/aibor/vmgraft/internal/attach"
	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/aibor/vmgraft/internal/proc"
	"github.com/aibor/vmgraft/internal/stage"
)

// Hypervisor is everything a session needs from a connected hypervisor
// process.
type Hypervisor interface {
	attach.Hypervisor
	stage.Hypervisor

	Memory() guestmem.Memory
	IoEventFd(ctx context.Context, addr uint64, length uint32, datamatch uint64) (*os.File, error)
	IrqFd(ctx context.Context, gsi uint32) (*os.File, error)
	WatchMMIO(ctx context.Context, window kvm.Window, handler kvm.MMIOHandler) error
}

// ConnectFunc connects to the KVM resources of a process.
type ConnectFunc func(ctx context.Context, target kvm.Target) (Hypervisor, error)

// Host is the environment sessions run in.
type Host struct {
	// ProcFS is the proc file system.
	ProcFS fs.FS

	Connect  ConnectFunc
	Registry *attach.Registry
}

// NewHost returns the [Host] of the running system. Attachments are locked
// across processes with lock files in lockDir, if not empty.
func NewHost(lockDir string) Host {
	return Host{
		ProcFS:   proc.DirFS(proc.DefaultRoot),
		Connect:  connectKVM,
		Registry: attach.NewRegistry(lockDir),
	}
}
