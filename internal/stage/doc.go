// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package stage loads and injects guest code into an attached VM.
//
// Stage 1 is a small ELF64 image executed in the guest kernel context on an
// interrupted vCPU. It finds its parameters in a [Params] block and loads
// stage 2, an opaque blob placed next to it. Both live in a new memory slot
// inside a [Reservation] of unused guest-physical address space, mapped by
// page tables hooked into an unused kernel-half slot of the current address
// space.
package stage
