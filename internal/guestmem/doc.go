// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package guestmem translates guest-physical addresses into host virtual
// addresses of the hypervisor process and moves bytes between them.
//
// Every access is bounded to a single memory region. Accesses that cross the
// end of a region are rejected, never split.
package guestmem
