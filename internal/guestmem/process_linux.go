// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package guestmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessMemory accesses the memory of another process with
// process_vm_readv(2) and process_vm_writev(2).
//
// The caller needs ptrace access to the process.
type ProcessMemory struct {
	PID int
}

// ReadAt implements [io.ReaderAt] with off being a host virtual address.
func (m *ProcessMemory) ReadAt(p []byte, off int64) (int, error) {
	return m.transfer(p, off, unix.ProcessVMReadv)
}

// WriteAt implements [io.WriterAt] with off being a host virtual address.
func (m *ProcessMemory) WriteAt(p []byte, off int64) (int, error) {
	return m.transfer(p, off, unix.ProcessVMWritev)
}

type vmTransferFunc func(
	pid int,
	localIov []unix.Iovec,
	remoteIov []unix.RemoteIovec,
	flags uint,
) (int, error)

func (m *ProcessMemory) transfer(p []byte, off int64, fn vmTransferFunc) (int, error) {
	done := 0

	// Partial transfers happen at page boundaries of the remote side.
	for done < len(p) {
		local := []unix.Iovec{{Base: &p[done]}}
		local[0].SetLen(len(p) - done)

		remote := []unix.RemoteIovec{{
			Base: uintptr(off) + uintptr(done),
			Len:  len(p) - done,
		}}

		n, err := fn(m.PID, local, remote, 0)
		if err != nil {
			return done, fmt.Errorf("process %d at %#x: %w", m.PID, uintptr(off)+uintptr(done), err)
		}

		if n == 0 {
			return done, ErrShortTransfer
		}

		done += n
	}

	return done, nil
}
