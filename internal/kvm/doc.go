// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package kvm provides the KVM ioctl ABI and a [Hypervisor] that drives the
// KVM descriptors of another process by injecting system calls into it.
package kvm
