// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ptrace is the only place that manipulates another process directly.
//
// A [Tracer] owns one locked OS thread. The kernel only accepts ptrace
// requests for a tracee from the thread that attached to it, so every request
// is funneled through that thread. [Tracee] methods may be called from any
// goroutine.
package ptrace
