// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
)

var (
	// ErrReadBuildInfo is returned if the build info is not embedded.
	ErrReadBuildInfo = errors.New("failed to read build info")

	// ErrEmptyFilePath is returned for empty file path values.
	ErrEmptyFilePath = errors.New("empty file path")

	// ErrNotRegularFile is returned if a file is expected to be regular.
	ErrNotRegularFile = errors.New("not a regular file")

	// ErrInvalidPID is returned for malformed process IDs.
	ErrInvalidPID = errors.New("invalid pid")

	// ErrValueOutOfRange is returned for numeric flag values outside their
	// limits.
	ErrValueOutOfRange = errors.New("value is outside of range")
)

// ParseArgsError wraps errors that occur during argument parsing.
type ParseArgsError struct {
	err error
	msg string
}

func (e *ParseArgsError) Error() string {
	if e.err == nil {
		return e.msg
	}

	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *ParseArgsError) Is(other error) bool {
	_, ok := other.(*ParseArgsError)
	return ok
}

func (e *ParseArgsError) Unwrap() error {
	return e.err
}
