// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ptrace

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// syscallInstruction is the encoding of the x86-64 syscall instruction.
var syscallInstruction = []byte{0x0f, 0x05}

const (
	// maxErrno is the highest errno the kernel returns as negative result.
	maxErrno = 4095

	// Kernel internal return values of interrupted system calls.
	errRestartSys          = 512
	errRestartNoIntr       = 513
	errRestartNoHand       = 514
	errRestartRestartBlock = 516

	sysRestartSyscall = 219
)

// Syscall executes a system call in the stopped tracee and returns its
// result. The tracee's registers are restored afterwards.
//
// The tracee is expected to be stopped right after a syscall instruction,
// which is where threads blocked in the kernel stop. Otherwise a syscall
// instruction is temporarily written at the current instruction pointer.
func (t *Tracee) Syscall(ctx context.Context, nr uint64, args ...uint64) (uint64, error) {
	var result uint64

	err := t.tracer.Do(ctx, func() error {
		var err error

		result, err = t.syscall(nr, args)

		return err
	})

	return result, err
}

func (t *Tracee) syscall(nr uint64, args []uint64) (result uint64, err error) {
	if !t.stopped {
		return 0, ErrNotStopped
	}

	var orig unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.TID, &orig); err != nil {
		return 0, fmt.Errorf("get regs %d: %w", t.TID, err)
	}

	site, restoreText, err := t.syscallSite(orig.Rip)
	if err != nil {
		return 0, err
	}

	// The tracee ends up in a syscall-exit-stop where the kernel does not
	// restart the interrupted call anymore.
	restore := restartRegs(orig)

	defer func() {
		if restoreErr := unix.PtraceSetRegs(t.TID, &restore); restoreErr != nil && err == nil {
			err = fmt.Errorf("restore regs %d: %w", t.TID, restoreErr)
		}

		if restoreErr := restoreText(); restoreErr != nil && err == nil {
			err = restoreErr
		}
	}()

	regs := syscallRegs(orig, site, nr, args)
	if err := unix.PtraceSetRegs(t.TID, &regs); err != nil {
		return 0, fmt.Errorf("set regs %d: %w", t.TID, err)
	}

	// Enter and exit stop.
	for range 2 {
		if err := t.stepSyscall(); err != nil {
			return 0, err
		}
	}

	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.TID, &after); err != nil {
		return 0, fmt.Errorf("get regs %d: %w", t.TID, err)
	}

	if errno, failed := syscallErrno(after.Rax); failed {
		return 0, &SyscallError{Nr: nr, Errno: errno}
	}

	return after.Rax, nil
}

// syscallSite returns the address of a syscall instruction to execute. The
// returned function restores modified text.
func (t *Tracee) syscallSite(rip uint64) (uint64, func() error, error) {
	noop := func() error { return nil }
	insnLen := uint64(len(syscallInstruction))

	prev := make([]byte, insnLen)

	_, err := unix.PtracePeekText(t.TID, uintptr(rip-insnLen), prev)
	if err == nil && bytes.Equal(prev, syscallInstruction) {
		return rip - insnLen, noop, nil
	}

	saved := make([]byte, insnLen)
	if _, err := unix.PtracePeekText(t.TID, uintptr(rip), saved); err != nil {
		return 0, noop, fmt.Errorf("peek %d: %w", t.TID, err)
	}

	if _, err := unix.PtracePokeText(t.TID, uintptr(rip), syscallInstruction); err != nil {
		return 0, noop, fmt.Errorf("poke %d: %w", t.TID, err)
	}

	restore := func() error {
		if _, err := unix.PtracePokeText(t.TID, uintptr(rip), saved); err != nil {
			return fmt.Errorf("restore text %d: %w", t.TID, err)
		}

		return nil
	}

	return rip, restore, nil
}

// stepSyscall runs the tracee to the next syscall-stop. Signals arriving
// meanwhile are kept for the next resume.
func (t *Tracee) stepSyscall() error {
	for {
		if err := unix.PtraceSyscall(t.TID, 0); err != nil {
			return fmt.Errorf("syscall %d: %w", t.TID, err)
		}

		status, err := t.wait()
		if err != nil {
			return err
		}

		stop := classify(status)
		if stop.Kind == StopSyscall {
			return nil
		}

		if stop.Kind == StopSignal {
			t.pendingSignal = stop.Signal
		}
	}
}

// syscallRegs prepares the registers for executing a system call at site.
func syscallRegs(orig unix.PtraceRegs, site, nr uint64, args []uint64) unix.PtraceRegs {
	regs := orig
	regs.Rip = site
	regs.Rax = nr
	// No syscall restart handling for the interrupted call on resume.
	regs.Orig_rax = ^uint64(0)

	argRegs := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
	for idx, reg := range argRegs {
		if idx < len(args) {
			*reg = args[idx]
		} else {
			*reg = 0
		}
	}

	return regs
}

func syscallErrno(rax uint64) (unix.Errno, bool) {
	ret := int64(rax) //nolint:gosec
	if ret < 0 && ret >= -maxErrno {
		return unix.Errno(-ret), true
	}

	return 0, false
}

// restartRegs returns the registers for restarting the system call that was
// interrupted when the tracee stopped, as the kernel does when no signal
// handler runs.
func restartRegs(orig unix.PtraceRegs) unix.PtraceRegs {
	regs := orig

	if int64(orig.Orig_rax) < 0 { //nolint:gosec
		return regs
	}

	switch -int64(orig.Rax) { //nolint:gosec
	case errRestartSys, errRestartNoIntr, errRestartNoHand:
		regs.Rax = orig.Orig_rax
		regs.Rip -= uint64(len(syscallInstruction))
	case errRestartRestartBlock:
		regs.Rax = sysRestartSyscall
		regs.Rip -= uint64(len(syscallInstruction))
	}

	return regs
}
