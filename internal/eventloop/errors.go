// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eventloop

import "errors"

var (
	// ErrStopped is returned by [Loop.Call] if the loop is not running
	// anymore.
	ErrStopped = errors.New("event loop stopped")

	// ErrWatched is returned if a file descriptor is watched already.
	ErrWatched = errors.New("already watched")
)
