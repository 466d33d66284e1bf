// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package guestmem

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned if an access is not fully contained in one
	// memory region.
	ErrOutOfRange = errors.New("guest address out of range")

	// ErrNotAttached is returned if memory is accessed while the VM is not
	// attached.
	ErrNotAttached = errors.New("vm not attached")

	// ErrReadOnly is returned for writes into read-only regions.
	ErrReadOnly = errors.New("region is read-only")

	// ErrOverlap is returned if regions overlap in guest-physical space.
	ErrOverlap = errors.New("regions overlap")

	// ErrNoGuestRAM is returned if no mapping qualifies as guest RAM.
	ErrNoGuestRAM = errors.New("no guest memory mapping found")

	// ErrShortTransfer is returned if the host transferred fewer bytes than
	// requested.
	ErrShortTransfer = errors.New("short transfer")
)

// RangeError describes a rejected guest memory access.
type RangeError struct {
	GPA uint64
	Len uint64
	Err error
}

// Error implements the [error] interface.
func (e *RangeError) Error() string {
	return fmt.Sprintf("gpa %#x+%#x: %v", e.GPA, e.Len, e.Err)
}

// Is implements the [errors.Is] interface.
func (*RangeError) Is(other error) bool {
	_, ok := other.(*RangeError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *RangeError) Unwrap() error {
	return e.Err
}
