// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sys provides host system helpers shared by the other packages: the
// architecture model, ELF header validation and page arithmetic.
package sys
