// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package virtio implements the device side of virtio split virtqueues and
// the virtio-mmio version 2 transport.
//
// All guest memory access goes through a [guestmem.Translator]. Queues may be
// completed from worker goroutines while the transport is driven from a
// single event loop goroutine.
package virtio
