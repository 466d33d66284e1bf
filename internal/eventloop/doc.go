// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package eventloop dispatches eventfd notifications and serialized calls on
// a single goroutine.
//
// Queue notifiers registered as KVM ioeventfds become readable when the
// guest driver notifies a queue. The [Loop] drains them and calls the
// handler of the queue. MMIO register accesses are passed into the loop with
// [Loop.Call], so device state is only mutated from the loop goroutine.
package eventloop
