// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package attach attaches to running KVM hypervisor processes.
//
// An [Attacher] locates the VM and vCPU descriptors of a process, claims it
// against concurrent attachment and hands out a [Handle]. vCPUs can be halted
// and resumed through the [Attacher]. Register state is snapshotted on the
// first halt of a vCPU and restored on [Attacher.Detach], unless released or
// persisted.
package attach
