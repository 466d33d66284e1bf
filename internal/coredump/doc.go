// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package coredump writes the state of a halted guest as ELF core file.
//
// The file carries one NT_PRSTATUS note per vCPU with its general purpose
// registers and one PT_LOAD segment per guest memory region. Physical and
// virtual address of a segment are both the guest-physical address of the
// region.
package coredump
