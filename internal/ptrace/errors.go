// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ptrace

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrTracerClosed is returned for requests after [Tracer.Close].
	ErrTracerClosed = errors.New("tracer closed")

	// ErrNotStopped is returned for requests that need a stopped tracee.
	ErrNotStopped = errors.New("tracee not stopped")

	// ErrExited is returned if the tracee exited.
	ErrExited = errors.New("tracee exited")

	// ErrUnexpectedStop is returned if the tracee stopped for an unexpected
	// reason.
	ErrUnexpectedStop = errors.New("unexpected stop")
)

// SyscallError is returned if an injected system call failed in the tracee.
type SyscallError struct {
	Nr    uint64
	Errno unix.Errno
}

// Error implements the [error] interface.
func (e *SyscallError) Error() string {
	return fmt.Sprintf("remote syscall %d: %v", e.Nr, e.Errno)
}

// Is implements the [errors.Is] interface.
func (e *SyscallError) Is(other error) bool {
	if _, ok := other.(*SyscallError); ok {
		return true
	}

	return errors.Is(e.Errno, other)
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *SyscallError) Unwrap() error {
	return e.Errno
}
