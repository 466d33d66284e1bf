// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kvm

import (
	"context"

	"github.com/aibor/vmgraft/internal/sys"
)

// Window is a guest-physical range of emulated MMIO registers.
type Window struct {
	Base uint64
	Size uint64
}

// Contains reports whether the access lies within the window.
func (w Window) Contains(addr uint64, length uint32) bool {
	return addr >= w.Base && addr-w.Base+uint64(length) <= w.Size
}

// MMIOHandler emulates MMIO accesses. For reads it fills exit.Data.
type MMIOHandler interface {
	HandleMMIO(ctx context.Context, exit *MMIOExit) error
}

// MMIOHandlerFunc turns a function into a [MMIOHandler].
type MMIOHandlerFunc func(ctx context.Context, exit *MMIOExit) error

// HandleMMIO implements [MMIOHandler].
func (f MMIOHandlerFunc) HandleMMIO(ctx context.Context, exit *MMIOExit) error {
	return f(ctx, exit)
}

// WindowFor returns the window covering count consecutive register pages
// starting at base.
func WindowFor(base uint64, count int) Window {
	return Window{Base: base, Size: uint64(count) * sys.PageSize} //nolint:gosec
}
