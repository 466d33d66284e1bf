// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aibor/vmgraft/internal/ptrace"
	"golang.org/x/sys/unix"
)

const watchIdleInterval = 200 * time.Microsecond

// WatchMMIO traces the KVM_RUN calls of all vCPU threads and emulates MMIO
// exits that hit the window. The ioctl is restarted after emulation, so the
// hypervisor never sees these exits. Other exits pass through.
//
// It returns when ctx is canceled. The vCPUs keep running untraced then.
func (h *Hypervisor) WatchMMIO(ctx context.Context, window Window, handler MMIOHandler) error {
	// A detached context is used for the ptrace requests, so the final
	// cleanup works after ctx is canceled.
	reqCtx := context.WithoutCancel(ctx)

	traced := make(map[int]*ptrace.Tracee, len(h.vcpus))

	for idx, tracee := range h.vcpus {
		if tracee == h.main {
			return fmt.Errorf("vcpu %d runs on the main thread: %w", idx, errors.ErrUnsupported)
		}

		if err := tracee.Interrupt(reqCtx); err != nil {
			return err
		}

		if err := tracee.TraceSyscalls(reqCtx, 0); err != nil {
			return err
		}

		traced[idx] = tracee
	}

	defer h.stopWatching(reqCtx, traced)

	for ctx.Err() == nil {
		busy := false

		for idx, tracee := range traced {
			stop, changed, err := tracee.Poll(reqCtx)
			if err != nil {
				return fmt.Errorf("vcpu %d: %w", idx, err)
			}

			if !changed {
				continue
			}

			busy = true

			if err := h.handleStop(ctx, idx, tracee, stop, window, handler); err != nil {
				return fmt.Errorf("vcpu %d: %w", idx, err)
			}
		}

		if !busy {
			time.Sleep(watchIdleInterval)
		}
	}

	return nil
}

func (h *Hypervisor) handleStop(
	ctx context.Context,
	idx int,
	tracee *ptrace.Tracee,
	stop ptrace.Stop,
	window Window,
	handler MMIOHandler,
) error {
	reqCtx := context.WithoutCancel(ctx)

	switch stop.Kind {
	case ptrace.StopSignal:
		return tracee.TraceSyscalls(reqCtx, stop.Signal)
	case ptrace.StopEvent:
		return tracee.TraceSyscalls(reqCtx, 0)
	}

	regs, err := tracee.Regs(reqCtx)
	if err != nil {
		return err
	}

	if !h.isRunExit(idx, regs) {
		return tracee.TraceSyscalls(reqCtx, 0)
	}

	restart, err := h.emulate(ctx, idx, window, handler)
	if err != nil {
		return err
	}

	if restart {
		regs.Rip -= 2
		regs.Rax = regs.Orig_rax

		if err := tracee.SetRegs(reqCtx, regs); err != nil {
			return err
		}
	}

	return tracee.TraceSyscalls(reqCtx, 0)
}

// isRunExit reports whether the tracee is in the syscall-exit-stop of a
// successful KVM_RUN of its vCPU. In syscall-enter-stops rax is -ENOSYS.
func (h *Hypervisor) isRunExit(idx int, regs unix.PtraceRegs) bool {
	return regs.Orig_rax == unix.SYS_IOCTL &&
		regs.Rdi == uint64(h.vcpuFDs[idx]) && //nolint:gosec
		regs.Rsi == uint64(Run) &&
		regs.Rax == 0
}

// emulate handles the MMIO exit of the vCPU if there is one for the window.
// It reports whether KVM_RUN must be restarted.
func (h *Hypervisor) emulate(ctx context.Context, idx int, window Window, handler MMIOHandler) (bool, error) {
	runHVA := h.runHVAs[idx]

	header := make([]byte, RunHeaderSize)
	if _, err := h.mem.ReadAt(header, int64(runHVA)); err != nil { //nolint:gosec
		return false, fmt.Errorf("read kvm_run: %w", err)
	}

	reason, err := ExitReason(header)
	if err != nil || reason != ExitMMIO {
		return false, err
	}

	exit, err := DecodeMMIO(header)
	if err != nil {
		return false, err
	}

	if !window.Contains(exit.PhysAddr, exit.Len) {
		return false, nil
	}

	if err := handler.HandleMMIO(ctx, &exit); err != nil {
		slog.Warn("MMIO emulation failed",
			slog.Int("vcpu", idx),
			slog.String("addr", hex(exit.PhysAddr)),
			slog.Any("error", err))
	}

	if !exit.IsWrite {
		if _, err := h.mem.WriteAt(exit.Bytes(), int64(runHVA+MMIODataOffset)); err != nil { //nolint:gosec
			return false, fmt.Errorf("write kvm_run: %w", err)
		}
	}

	return true, nil
}

func (h *Hypervisor) stopWatching(ctx context.Context, traced map[int]*ptrace.Tracee) {
	for idx, tracee := range traced {
		err := tracee.Interrupt(ctx)
		if err == nil {
			err = tracee.Resume(ctx)
		}

		if err != nil && !errors.Is(err, ptrace.ErrExited) {
			slog.Warn("Failed to stop tracing vCPU",
				slog.Int("vcpu", idx),
				slog.Any("error", err))
		}
	}
}
