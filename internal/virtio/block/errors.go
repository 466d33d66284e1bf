// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package block

import "errors"

var (
	// ErrNotConfigured is returned for notifications before activation.
	ErrNotConfigured = errors.New("device not configured")

	// ErrQueueCount is returned if the driver configures an unexpected
	// number of queues.
	ErrQueueCount = errors.New("unexpected number of queues")

	// ErrBackingSize is returned for backings whose size is not a multiple
	// of the sector size.
	ErrBackingSize = errors.New("invalid backing size")

	errMalformed = errors.New("malformed request")
)
