// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package proc reads the parts of /proc/<pid> needed to find the KVM
// resources of a hypervisor process. All functions take an [fs.FS] rooted at
// the proc mount so they can be tested with in-memory file systems.
package proc
