// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sys

// PageSize is the size of a small page on all supported architectures.
const PageSize = 4096

// AlignUp rounds v up to the next multiple of align, which must be a power
// of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// Overlaps reports whether the half open ranges [aStart, aStart+aLen) and
// [bStart, bStart+bLen) share at least one byte.
func Overlaps(aStart, aLen, bStart, bLen uint64) bool {
	if aLen == 0 || bLen == 0 {
		return false
	}

	return aStart < bStart+bLen && bStart < aStart+aLen
}
