// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ptrace

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	seizeOptions = unix.PTRACE_O_TRACESYSGOOD

	// Stop signal of syscall-stops with PTRACE_O_TRACESYSGOOD.
	syscallStopSignal = unix.SIGTRAP | 0x80
)

// Tracee is a thread seized by a [Tracer].
type Tracee struct {
	TID int

	tracer  *Tracer
	stopped bool

	// Signal delivered while waiting for a ptrace stop. It is passed on
	// with the next resume.
	pendingSignal unix.Signal
}

// Seize attaches to the thread with the given id without stopping it.
func (t *Tracer) Seize(ctx context.Context, tid int) (*Tracee, error) {
	tracee := &Tracee{TID: tid, tracer: t}

	err := t.Do(ctx, func() error {
		err := unix.PtraceSeize(tid)
		if err != nil {
			return fmt.Errorf("seize %d: %w", tid, err)
		}

		err = unix.PtraceSetOptions(tid, seizeOptions)
		if err != nil {
			_ = unix.PtraceDetach(tid)
			return fmt.Errorf("set options %d: %w", tid, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tracee, nil
}

// Stopped reports whether the tracee is in a ptrace stop.
func (t *Tracee) Stopped() bool {
	return t.stopped
}

// Interrupt stops the tracee and waits until it is in a ptrace stop. It is a
// no-op for stopped tracees.
func (t *Tracee) Interrupt(ctx context.Context) error {
	return t.tracer.Do(ctx, func() error {
		if t.stopped {
			return nil
		}

		if err := unix.PtraceInterrupt(t.TID); err != nil {
			return fmt.Errorf("interrupt %d: %w", t.TID, err)
		}

		for {
			status, err := t.wait()
			if err != nil {
				return err
			}

			if eventOf(status) == unix.PTRACE_EVENT_STOP {
				t.stopped = true
				return nil
			}

			// A signal stop came first. Remember the signal and let the
			// tracee run into the pending interrupt.
			if sig := status.StopSignal(); sig != syscallStopSignal && sig != unix.SIGTRAP {
				t.pendingSignal = sig
			}

			if err := unix.PtraceCont(t.TID, 0); err != nil {
				return fmt.Errorf("continue %d: %w", t.TID, err)
			}
		}
	})
}

// Resume continues a stopped tracee.
func (t *Tracee) Resume(ctx context.Context) error {
	return t.tracer.Do(ctx, func() error {
		if !t.stopped {
			return nil
		}

		sig := t.pendingSignal
		t.pendingSignal = 0

		if err := unix.PtraceCont(t.TID, int(sig)); err != nil {
			return fmt.Errorf("continue %d: %w", t.TID, err)
		}

		t.stopped = false

		return nil
	})
}

// Detach detaches from the tracee. A stopped tracee continues running.
func (t *Tracee) Detach(ctx context.Context) error {
	return t.tracer.Do(ctx, func() error {
		err := unix.PtraceDetach(t.TID)
		if err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("detach %d: %w", t.TID, err)
		}

		t.stopped = false

		return nil
	})
}

// Regs returns the user registers of the stopped tracee.
func (t *Tracee) Regs(ctx context.Context) (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs

	err := t.tracer.Do(ctx, func() error {
		if !t.stopped {
			return ErrNotStopped
		}

		if err := unix.PtraceGetRegs(t.TID, &regs); err != nil {
			return fmt.Errorf("get regs %d: %w", t.TID, err)
		}

		return nil
	})

	return regs, err
}

// SetRegs sets the user registers of the stopped tracee.
func (t *Tracee) SetRegs(ctx context.Context, regs unix.PtraceRegs) error {
	return t.tracer.Do(ctx, func() error {
		if !t.stopped {
			return ErrNotStopped
		}

		if err := unix.PtraceSetRegs(t.TID, &regs); err != nil {
			return fmt.Errorf("set regs %d: %w", t.TID, err)
		}

		return nil
	})
}

// wait waits for the next state change of the tracee. It must run on the
// tracer thread.
func (t *Tracee) wait() (unix.WaitStatus, error) {
	var status unix.WaitStatus

	for {
		_, err := unix.Wait4(t.TID, &status, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return status, fmt.Errorf("wait %d: %w", t.TID, err)
		}

		break
	}

	if status.Exited() || status.Signaled() {
		t.stopped = false
		return status, ErrExited
	}

	if !status.Stopped() {
		return status, fmt.Errorf("%w: status %#x", ErrUnexpectedStop, uint32(status))
	}

	return status, nil
}
