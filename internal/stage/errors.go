// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stage

import (
	"errors"
	"fmt"
)

var (
	// ErrBadImage is returned for stage 1 images that can not be loaded.
	ErrBadImage = errors.New("bad stage image")

	// ErrNoSpace is returned if the stage does not fit into unused guest
	// address space.
	ErrNoSpace = errors.New("no space for stage")

	// ErrUnsupportedCPUMode is returned if the vCPU does not run 64 bit
	// kernel code.
	ErrUnsupportedCPUMode = errors.New("unsupported vCPU mode")

	// ErrTooManyDevices is returned if more devices are passed than the
	// parameter block can hold.
	ErrTooManyDevices = errors.New("too many devices")

	// ErrInvalidParams is returned for parameter blocks that fail
	// validation.
	ErrInvalidParams = errors.New("invalid parameter block")
)

// InjectError wraps errors of stage injection.
type InjectError struct {
	Op  string
	Err error
}

// Error implements the [error] interface.
func (e *InjectError) Error() string {
	return fmt.Sprintf("inject %s: %v", e.Op, e.Err)
}

// Is implements the [errors.Is] interface.
func (*InjectError) Is(other error) bool {
	_, ok := other.(*InjectError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *InjectError) Unwrap() error {
	return e.Err
}
