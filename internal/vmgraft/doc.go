// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package vmgraft runs attachment sessions against KVM hypervisor processes.
//
// [Attach] attaches to the hypervisor, sets up virtio block devices in
// unused guest-physical address space, injects the stages and serves the
// devices until the context is canceled. [Inspect] and [Coredump] attach
// only for reading guest state.
package vmgraft
