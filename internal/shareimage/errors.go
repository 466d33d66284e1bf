// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package shareimage

import "errors"

var (
	// ErrDuplicateName is returned if two added paths have the same base
	// name.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrUnsupportedType is returned for files that are neither regular
	// files, directories nor symbolic links.
	ErrUnsupportedType = errors.New("unsupported file type")
)
