// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package attach

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessNotFound is returned if the target process does not exist.
	ErrProcessNotFound = errors.New("process not found")

	// ErrPermission is returned if the target process can not be traced.
	ErrPermission = errors.New("permission denied")

	// ErrNotHypervisor is returned if the target process does not run a KVM
	// VM.
	ErrNotHypervisor = errors.New("not a KVM hypervisor process")

	// ErrAlreadyAttached is returned if the process is attached already, by
	// this or another tracer.
	ErrAlreadyAttached = errors.New("already attached")

	// ErrVCPUNotFound is returned for unknown vCPU indexes.
	ErrVCPUNotFound = errors.New("vCPU not found")

	// ErrNotAttached is returned for operations on detached handles.
	ErrNotAttached = errors.New("not attached")

	// ErrNotHalted is returned if a vCPU is expected to be halted but is
	// running.
	ErrNotHalted = errors.New("vCPU not halted")
)

// Error wraps errors of an attachment operation.
type Error struct {
	PID int
	Op  string
	Err error
}

// Error implements the [error] interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %d: %v", e.Op, e.PID, e.Err)
}

// Is implements the [errors.Is] interface.
func (*Error) Is(other error) bool {
	_, ok := other.(*Error)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *Error) Unwrap() error {
	return e.Err
}
