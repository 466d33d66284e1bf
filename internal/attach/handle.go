// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package attach

import (
	"context"
	"slices"
	"sync"

	"github.com/aibor/vmgraft/internal/kvm"
)

// Hypervisor is the control surface of an attached hypervisor process.
type Hypervisor interface {
	HaltVCPU(ctx context.Context, idx int) error
	ResumeVCPU(ctx context.Context, idx int) error
	GetRegs(ctx context.Context, idx int) (kvm.Regs, error)
	SetRegs(ctx context.Context, idx int, regs kvm.Regs) error
	Close(ctx context.Context) error
}

// VCPU identifies a vCPU of the attached VM.
type VCPU struct {
	Index int
	FD    int
	TID   int
}

// Handle is an attachment to a hypervisor process.
type Handle struct {
	PID   int
	VMFD  int
	VCPUs []VCPU

	mu      sync.Mutex
	state   State
	closing bool
	halted  map[int]bool
	saved   map[int]kvm.Regs
	changed map[int]bool
	hv      Hypervisor
	release func() error
}

// State returns the current attachment state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// Attached reports whether guest state may be accessed. It turns false as
// soon as detachment begins.
func (h *Handle) Attached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.attachedLocked()
}

func (h *Handle) attachedLocked() bool {
	return !h.closing && h.state != StateDetached
}

// Hypervisor returns the control surface the handle was created with.
func (h *Handle) Hypervisor() Hypervisor {
	return h.hv
}

// Halted reports whether the vCPU with the given index is halted.
func (h *Handle) Halted(idx int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.halted[idx]
}

// Snapshot returns the registers recorded on the first halt of the vCPU.
func (h *Handle) Snapshot(idx int) (kvm.Regs, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	regs, exists := h.saved[idx]

	return regs, exists
}

// Changed reports whether registers of the vCPU were set.
func (h *Handle) Changed(idx int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.changed[idx]
}

// Release drops the register snapshot of the vCPU, so detaching leaves its
// current state in place. It is used for vCPUs whose registers were changed
// on purpose once the guest took over.
func (h *Handle) Release(idx int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.saved, idx)
}

// VCPUIndexes returns the indexes of all vCPUs in ascending order.
func (h *Handle) VCPUIndexes() []int {
	indexes := make([]int, 0, len(h.VCPUs))
	for _, vcpu := range h.VCPUs {
		indexes = append(indexes, vcpu.Index)
	}

	slices.Sort(indexes)

	return indexes
}

func (h *Handle) hasVCPU(idx int) bool {
	return slices.ContainsFunc(h.VCPUs, func(v VCPU) bool {
		return v.Index == idx
	})
}
