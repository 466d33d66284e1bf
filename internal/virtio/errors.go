// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtio

import (
	"errors"
	"fmt"
)

var (
	// ErrFeatures is returned if the driver features can not be accepted.
	ErrFeatures = errors.New("feature negotiation failed")

	// ErrQueueSize is returned for invalid queue sizes.
	ErrQueueSize = errors.New("invalid queue size")

	// ErrQueueAlign is returned for misaligned rings.
	ErrQueueAlign = errors.New("misaligned queue")

	// ErrQueueAddress is returned for rings outside of guest memory.
	ErrQueueAddress = errors.New("queue not in guest memory")

	// ErrQueueNotReady is returned for operations on inactive queues.
	ErrQueueNotReady = errors.New("queue not ready")

	// ErrAvailIndex is returned if the driver claims more available buffers
	// than the queue holds.
	ErrAvailIndex = errors.New("invalid available index")

	// ErrAccess is returned for register accesses of invalid width or
	// offset.
	ErrAccess = errors.New("invalid register access")
)

// Descriptor chain validation errors.
var (
	ErrDescriptorIndex = errors.New("descriptor index out of range")
	ErrDescriptorLoop  = errors.New("descriptor loop")
	ErrChainTooLong    = errors.New("descriptor chain too long")
	ErrZeroLength      = errors.New("zero length terminal descriptor")
	ErrReadAfterWrite  = errors.New("readable descriptor after writable one")
	ErrIndirect        = errors.New("invalid indirect descriptor")
	ErrTranslate       = errors.New("descriptor buffer not in guest memory")
)

// ChainError is returned for malformed descriptor chains.
type ChainError struct {
	Head uint16

	// Partial holds the buffers resolved before the error.
	Partial Chain

	Err error
}

// Error implements the [error] interface.
func (e *ChainError) Error() string {
	return fmt.Sprintf("descriptor chain %d: %v", e.Head, e.Err)
}

// Is implements the [errors.Is] interface.
func (*ChainError) Is(other error) bool {
	_, ok := other.(*ChainError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ChainError) Unwrap() error {
	return e.Err
}
