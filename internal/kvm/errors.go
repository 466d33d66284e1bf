// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kvm

import "errors"

var (
	// ErrInvalidSize is returned for ABI buffers of unexpected size.
	ErrInvalidSize = errors.New("invalid size")

	// ErrUnexpectedExit is returned if a kvm_run does not hold the expected
	// exit.
	ErrUnexpectedExit = errors.New("unexpected exit reason")

	// ErrExtensionMissing is returned if the host kernel lacks a required
	// KVM extension.
	ErrExtensionMissing = errors.New("KVM extension not available")

	// ErrUnknownVCPU is returned for vCPU indexes that do not exist.
	ErrUnknownVCPU = errors.New("unknown vCPU")

	// ErrClosed is returned if the hypervisor connection is closed.
	ErrClosed = errors.New("hypervisor connection closed")

	// ErrNoRunMapping is returned if the kvm_run mapping of a vCPU can not be
	// found in the hypervisor process.
	ErrNoRunMapping = errors.New("no kvm_run mapping")
)
