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

// StopKind classifies a ptrace stop observed while tracing system calls.
type StopKind int

const (
	// StopSyscall is a syscall-enter-stop or syscall-exit-stop.
	StopSyscall StopKind = iota
	// StopSignal is a signal-delivery-stop.
	StopSignal
	// StopEvent is a group-stop or PTRACE_EVENT_STOP.
	StopEvent
)

// Stop describes a stop of a tracee.
type Stop struct {
	Kind   StopKind
	Signal unix.Signal
}

// TraceSyscalls resumes the stopped tracee until the next system call entry
// or exit. The signal is delivered to the tracee, 0 delivers none.
func (t *Tracee) TraceSyscalls(ctx context.Context, sig unix.Signal) error {
	return t.tracer.Do(ctx, func() error {
		if !t.stopped {
			return ErrNotStopped
		}

		if sig == 0 {
			sig = t.pendingSignal
		}

		t.pendingSignal = 0

		if err := unix.PtraceSyscall(t.TID, int(sig)); err != nil {
			return fmt.Errorf("syscall %d: %w", t.TID, err)
		}

		t.stopped = false

		return nil
	})
}

// Poll checks without blocking whether the tracee stopped. It returns false
// if the tracee is still running.
func (t *Tracee) Poll(ctx context.Context) (Stop, bool, error) {
	var (
		stop    Stop
		changed bool
	)

	err := t.tracer.Do(ctx, func() error {
		if t.stopped {
			return ErrUnexpectedStop
		}

		var status unix.WaitStatus

		pid, err := unix.Wait4(t.TID, &status, unix.WALL|unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) || pid == 0 {
			return nil
		} else if err != nil {
			return fmt.Errorf("wait %d: %w", t.TID, err)
		}

		if status.Exited() || status.Signaled() {
			return ErrExited
		}

		changed = true
		t.stopped = true
		stop = classify(status)

		return nil
	})

	return stop, changed, err
}

func classify(status unix.WaitStatus) Stop {
	sig := status.StopSignal()

	switch {
	case sig == syscallStopSignal:
		return Stop{Kind: StopSyscall}
	case eventOf(status) == unix.PTRACE_EVENT_STOP:
		return Stop{Kind: StopEvent, Signal: sig}
	default:
		return Stop{Kind: StopSignal, Signal: sig}
	}
}

// eventOf returns the ptrace event of a stop. [unix.WaitStatus.TrapCause]
// only works for SIGTRAP stops but group-stops carry the stopping signal.
func eventOf(status unix.WaitStatus) int {
	return int(uint32(status) >> 16) //nolint:gosec
}
