// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vmgraft

import "errors"

var (
	// ErrInvalidSpec is returned for incomplete or inconsistent specs.
	ErrInvalidSpec = errors.New("invalid spec")

	// ErrDriverFailed is returned if the guest driver reports failure.
	ErrDriverFailed = errors.New("guest driver failed")

	// ErrMMIOOverlap is returned if a configured MMIO window overlaps guest
	// memory.
	ErrMMIOOverlap = errors.New("mmio window overlaps guest memory")
)
