// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package attach

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/aibor/vmgraft/internal/proc"
	"golang.org/x/sys/unix"
)

// ConnectFunc connects to the KVM resources of a process.
type ConnectFunc func(ctx context.Context, target kvm.Target) (Hypervisor, error)

// DetachOptions control what [Attacher.Detach] leaves behind.
type DetachOptions struct {
	// Persist keeps the current register state of all vCPUs instead of
	// restoring their snapshots.
	Persist bool
}

// Attacher attaches to hypervisor processes.
type Attacher struct {
	fsys     fs.FS
	connect  ConnectFunc
	registry *Registry
}

// NewAttacher creates a new [Attacher]. fsys is the proc file system. The
// registry may be shared by multiple attachers.
func NewAttacher(fsys fs.FS, connect ConnectFunc, registry *Registry) *Attacher {
	if registry == nil {
		registry = NewRegistry("")
	}

	return &Attacher{
		fsys:     fsys,
		connect:  connect,
		registry: registry,
	}
}

// Attach attaches to the process with the given pid. No guest state is
// changed in case of errors.
func (a *Attacher) Attach(ctx context.Context, pid int) (*Handle, error) {
	handle, err := a.attach(ctx, pid)
	if err != nil {
		return nil, &Error{PID: pid, Op: "attach", Err: err}
	}

	slog.Debug("Attached",
		slog.Int("pid", pid),
		slog.Int("vm_fd", handle.VMFD),
		slog.Int("vcpus", len(handle.VCPUs)))

	return handle, nil
}

func (a *Attacher) attach(ctx context.Context, pid int) (*Handle, error) {
	status, err := proc.ReadStatus(a.fsys, pid)
	if err != nil {
		return nil, classify(err)
	}

	if status.TracerPID != 0 {
		return nil, fmt.Errorf("%w: traced by %d", ErrAlreadyAttached, status.TracerPID)
	}

	fds, err := proc.ReadFDs(a.fsys, pid)
	if err != nil {
		return nil, classify(err)
	}

	kvmFDs, err := proc.FindKVM(fds)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotHypervisor, err)
	}

	tasks, err := proc.ReadTasks(a.fsys, pid)
	if err != nil {
		return nil, classify(err)
	}

	threads, err := proc.VCPUThreads(tasks, kvmFDs.VCPUs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotHypervisor, err)
	}

	release, err := a.registry.Claim(pid)
	if err != nil {
		return nil, err
	}

	hv, err := a.connect(ctx, kvm.Target{
		PID:     pid,
		KVM:     kvmFDs,
		Threads: threads,
		FS:      a.fsys,
	})
	if err != nil {
		return nil, errors.Join(classify(err), release())
	}

	vcpus := make([]VCPU, 0, len(kvmFDs.VCPUs))
	for _, vcpu := range kvmFDs.VCPUs {
		vcpus = append(vcpus, VCPU{
			Index: vcpu.Index,
			FD:    vcpu.FD,
			TID:   threads[vcpu.Index],
		})
	}

	return &Handle{
		PID:     pid,
		VMFD:    kvmFDs.VMFD,
		VCPUs:   vcpus,
		state:   StateAttached,
		halted:  map[int]bool{},
		saved:   map[int]kvm.Regs{},
		changed: map[int]bool{},
		hv:      hv,
		release: release,
	}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, unix.ESRCH):
		return fmt.Errorf("%w: %w", ErrProcessNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	default:
		return err
	}
}

// HaltVCPU halts the vCPU and returns its registers. The registers of the
// first halt are kept as snapshot.
func (a *Attacher) HaltVCPU(ctx context.Context, h *Handle, idx int) (kvm.Regs, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	regs, err := a.haltLocked(ctx, h, idx)
	if err != nil {
		return kvm.Regs{}, &Error{PID: h.PID, Op: "halt", Err: err}
	}

	return regs, nil
}

func (a *Attacher) haltLocked(ctx context.Context, h *Handle, idx int) (kvm.Regs, error) {
	if !h.attachedLocked() {
		return kvm.Regs{}, ErrNotAttached
	}

	if !h.hasVCPU(idx) {
		return kvm.Regs{}, fmt.Errorf("%w: %d", ErrVCPUNotFound, idx)
	}

	if h.halted[idx] {
		return h.hv.GetRegs(ctx, idx) //nolint:wrapcheck
	}

	if err := h.hv.HaltVCPU(ctx, idx); err != nil {
		return kvm.Regs{}, fmt.Errorf("halt vcpu %d: %w", idx, err)
	}

	regs, err := h.hv.GetRegs(ctx, idx)
	if err != nil {
		return kvm.Regs{}, errors.Join(
			fmt.Errorf("get regs of vcpu %d: %w", idx, err),
			h.hv.ResumeVCPU(ctx, idx),
		)
	}

	if _, exists := h.saved[idx]; !exists {
		h.saved[idx] = regs
	}

	h.halted[idx] = true
	h.state = StateHalted

	return regs, nil
}

// ResumeVCPU resumes the halted vCPU. If regs is not nil, the registers are
// set before.
func (a *Attacher) ResumeVCPU(ctx context.Context, h *Handle, idx int, regs *kvm.Regs) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := a.resumeLocked(ctx, h, idx, regs); err != nil {
		return &Error{PID: h.PID, Op: "resume", Err: err}
	}

	return nil
}

func (a *Attacher) resumeLocked(ctx context.Context, h *Handle, idx int, regs *kvm.Regs) error {
	if !h.hasVCPU(idx) {
		return fmt.Errorf("%w: %d", ErrVCPUNotFound, idx)
	}

	if !h.halted[idx] {
		return fmt.Errorf("%w: %d", ErrNotHalted, idx)
	}

	if regs != nil {
		if err := h.hv.SetRegs(ctx, idx, *regs); err != nil {
			return fmt.Errorf("set regs of vcpu %d: %w", idx, err)
		}

		h.changed[idx] = true
	}

	if err := h.hv.ResumeVCPU(ctx, idx); err != nil {
		return fmt.Errorf("resume vcpu %d: %w", idx, err)
	}

	delete(h.halted, idx)

	if len(h.halted) == 0 {
		h.state = StateAttached
	}

	return nil
}

// HaltAll halts all vCPUs and returns their registers by index. Already
// halted vCPUs are resumed again if halting any vCPU fails.
func (a *Attacher) HaltAll(ctx context.Context, h *Handle) (map[int]kvm.Regs, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	regs := make(map[int]kvm.Regs, len(h.VCPUs))
	var halted []int

	for _, idx := range h.VCPUIndexes() {
		wasHalted := h.halted[idx]

		r, err := a.haltLocked(ctx, h, idx)
		if err != nil {
			for _, prev := range halted {
				err = errors.Join(err, a.resumeLocked(ctx, h, prev, nil))
			}

			return nil, &Error{PID: h.PID, Op: "halt", Err: err}
		}

		if !wasHalted {
			halted = append(halted, idx)
		}

		regs[idx] = r
	}

	return regs, nil
}

// ResumeAll resumes all halted vCPUs. regs may hold registers to set for
// some of them.
func (a *Attacher) ResumeAll(ctx context.Context, h *Handle, regs map[int]kvm.Regs) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error

	for _, idx := range h.VCPUIndexes() {
		if !h.halted[idx] {
			continue
		}

		var set *kvm.Regs
		if r, exists := regs[idx]; exists {
			set = &r
		}

		if err := a.resumeLocked(ctx, h, idx, set); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return &Error{PID: h.PID, Op: "resume", Err: err}
	}

	return nil
}

// Detach restores the register snapshots of vCPUs whose registers were set,
// unless persisted. Then it resumes all vCPUs and releases the process. It is
// a no-op for detached handles.
func (a *Attacher) Detach(ctx context.Context, h *Handle, opts DetachOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateDetached {
		return nil
	}

	// Memory access through translators stops from here on.
	h.closing = true

	var errs []error

	for _, idx := range h.VCPUIndexes() {
		saved, exists := h.saved[idx]
		if !exists || !h.changed[idx] || opts.Persist {
			continue
		}

		if !h.halted[idx] {
			if err := h.hv.HaltVCPU(ctx, idx); err != nil {
				errs = append(errs, fmt.Errorf("halt vcpu %d: %w", idx, err))
				continue
			}

			h.halted[idx] = true
		}

		if err := h.hv.SetRegs(ctx, idx, saved); err != nil {
			errs = append(errs, fmt.Errorf("restore regs of vcpu %d: %w", idx, err))
		}
	}

	for _, idx := range h.VCPUIndexes() {
		if !h.halted[idx] {
			continue
		}

		if err := h.hv.ResumeVCPU(ctx, idx); err != nil {
			errs = append(errs, fmt.Errorf("resume vcpu %d: %w", idx, err))
		}

		delete(h.halted, idx)
	}

	if err := h.hv.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	if err := h.release(); err != nil {
		errs = append(errs, fmt.Errorf("release: %w", err))
	}

	h.state = StateDetached
	h.saved = map[int]kvm.Regs{}
	h.changed = map[int]bool{}

	slog.Debug("Detached",
		slog.Int("pid", h.PID),
		slog.Bool("persist", opts.Persist))

	if err := errors.Join(errs...); err != nil {
		return &Error{PID: h.PID, Op: "detach", Err: err}
	}

	return nil
}
