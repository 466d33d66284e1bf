// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoVM is returned if the process does not hold a KVM VM descriptor.
	ErrNoVM = errors.New("no KVM VM descriptor")

	// ErrMultipleVMs is returned if the process holds more than one KVM VM
	// descriptor.
	ErrMultipleVMs = errors.New("multiple KVM VM descriptors")

	// ErrNoVCPUs is returned if the process holds a VM but no vCPU
	// descriptors.
	ErrNoVCPUs = errors.New("no KVM vCPU descriptors")

	// ErrDuplicateVCPU is returned if two descriptors claim the same vCPU
	// index.
	ErrDuplicateVCPU = errors.New("duplicate vCPU index")

	// ErrVCPUThreadNotFound is returned if no thread can be associated with a
	// vCPU descriptor.
	ErrVCPUThreadNotFound = errors.New("no thread found for vCPU")

	// ErrReadLinkNotSupported is returned if the given [fs.FS] cannot resolve
	// symbolic links.
	ErrReadLinkNotSupported = errors.New("file system does not support readlink")
)

// ParseError describes a malformed line in a proc file.
type ParseError struct {
	File string
	Line int
	Err  error
}

// Error implements the [error] interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s line %d: %v", e.File, e.Line, e.Err)
}

// Is implements the [errors.Is] interface.
func (*ParseError) Is(other error) bool {
	_, ok := other.(*ParseError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ParseError) Unwrap() error {
	return e.Err
}
