// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kvm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/proc"
	"github.com/aibor/vmgraft/internal/ptrace"
	"github.com/aibor/vmgraft/internal/sys"
	"golang.org/x/sys/unix"
)

const (
	scratchSize = sys.PageSize

	runMappingPrefix = "anon_inode:kvm-vcpu:"
)

type remoteEventFD struct {
	fd       int
	deassign func(ctx context.Context) error
}

// Hypervisor controls the KVM VM of another process. All ioctls are executed
// by the hypervisor's main thread on behalf of vmgraft.
type Hypervisor struct {
	pid     int
	vmFD    int
	vcpuFDs map[int]int
	runHVAs map[int]uint64

	tracer *ptrace.Tracer
	main   *ptrace.Tracee
	vcpus  map[int]*ptrace.Tracee
	mem    *guestmem.ProcessMemory

	// Serializes use of the main thread and the scratch page.
	mu       sync.Mutex
	scratch  uint64
	eventFDs []remoteEventFD
	closed   bool
}

// Connect seizes the main thread and the vCPU threads of the target and
// prepares a scratch page in the target for ioctl arguments.
func Connect(ctx context.Context, target Target) (*Hypervisor, error) {
	fsys := target.FS
	if fsys == nil {
		fsys = proc.DirFS(proc.DefaultRoot)
	}

	hv := &Hypervisor{
		pid:     target.PID,
		vmFD:    target.KVM.VMFD,
		vcpuFDs: make(map[int]int, len(target.KVM.VCPUs)),
		vcpus:   make(map[int]*ptrace.Tracee, len(target.KVM.VCPUs)),
		tracer:  ptrace.NewTracer(),
		mem:     &guestmem.ProcessMemory{PID: target.PID},
	}

	err := hv.connect(ctx, target, fsys)
	if err != nil {
		_ = hv.detachAll(ctx)
		hv.tracer.Close()

		return nil, err
	}

	return hv, nil
}

func (h *Hypervisor) connect(ctx context.Context, target Target, fsys fs.FS) error {
	mappings, err := proc.ReadMaps(fsys, target.PID)
	if err != nil {
		return err
	}

	h.runHVAs = runMappings(mappings)

	h.main, err = h.tracer.Seize(ctx, target.PID)
	if err != nil {
		return err
	}

	for _, vcpu := range target.KVM.VCPUs {
		tid, exists := target.Threads[vcpu.Index]
		if !exists {
			return fmt.Errorf("%w: %d", ErrUnknownVCPU, vcpu.Index)
		}

		if _, exists := h.runHVAs[vcpu.Index]; !exists {
			return fmt.Errorf("%w: vcpu %d", ErrNoRunMapping, vcpu.Index)
		}

		h.vcpuFDs[vcpu.Index] = vcpu.FD

		if tid == target.PID {
			h.vcpus[vcpu.Index] = h.main
			continue
		}

		h.vcpus[vcpu.Index], err = h.tracer.Seize(ctx, tid)
		if err != nil {
			return err
		}
	}

	return h.inMain(ctx, func() error {
		for _, capability := range []uint64{CapIoEventFd, CapIrqFd} {
			ret, err := h.main.Syscall(ctx, unix.SYS_IOCTL,
				uint64(h.vmFD), uint64(CheckExtension), capability) //nolint:gosec
			if err != nil {
				return fmt.Errorf("check extension %d: %w", capability, err)
			}

			if ret == 0 {
				return fmt.Errorf("%w: %d", ErrExtensionMissing, capability)
			}
		}

		h.scratch, err = h.mmap(ctx, scratchSize)
		if err != nil {
			return fmt.Errorf("map scratch page: %w", err)
		}

		slog.Debug("Mapped scratch page",
			slog.Int("pid", h.pid),
			slog.String("hva", hex(h.scratch)))

		return nil
	})
}

func runMappings(mappings []proc.Mapping) map[int]uint64 {
	hvas := map[int]uint64{}

	for _, mapping := range mappings {
		num, found := strings.CutPrefix(mapping.Path, runMappingPrefix)
		if !found {
			continue
		}

		idx, err := strconv.Atoi(num)
		if err != nil {
			continue
		}

		// kvm_run is the first page of the vCPU mapping.
		if mapping.Offset == 0 {
			hvas[idx] = mapping.Start
		}
	}

	return hvas
}

// inMain runs fn while the main thread is stopped.
func (h *Hypervisor) inMain(ctx context.Context, fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	return h.inMainLocked(ctx, fn)
}

func (h *Hypervisor) inMainLocked(ctx context.Context, fn func() error) error {
	wasStopped := h.main.Stopped()

	if err := h.main.Interrupt(ctx); err != nil {
		return fmt.Errorf("stop main thread: %w", err)
	}

	err := fn()

	if !wasStopped {
		if resumeErr := h.main.Resume(ctx); resumeErr != nil {
			err = errors.Join(err, fmt.Errorf("resume main thread: %w", resumeErr))
		}
	}

	return err
}

func (h *Hypervisor) mmap(ctx context.Context, size uint64) (uint64, error) {
	return h.main.Syscall(ctx, unix.SYS_MMAP,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
		^uint64(0),
		0,
	)
}

// ioctl runs an ioctl in the main thread with arg copied into the scratch
// page. The scratch page content is returned with outLen bytes.
func (h *Hypervisor) ioctl(ctx context.Context, fd int, req uintptr, arg []byte, outLen int) ([]byte, error) {
	if len(arg) > scratchSize || outLen > scratchSize {
		return nil, fmt.Errorf("%w: ioctl argument", ErrInvalidSize)
	}

	if len(arg) > 0 {
		if _, err := h.mem.WriteAt(arg, int64(h.scratch)); err != nil { //nolint:gosec
			return nil, fmt.Errorf("write argument: %w", err)
		}
	}

	_, err := h.main.Syscall(ctx, unix.SYS_IOCTL, uint64(fd), uint64(req), h.scratch) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("ioctl %#x: %w", req, err)
	}

	if outLen == 0 {
		return nil, nil
	}

	out := make([]byte, outLen)
	if _, err := h.mem.ReadAt(out, int64(h.scratch)); err != nil { //nolint:gosec
		return nil, fmt.Errorf("read result: %w", err)
	}

	return out, nil
}

func (h *Hypervisor) vcpuIoctl(ctx context.Context, idx int, req uintptr, arg []byte, outLen int) ([]byte, error) {
	fd, exists := h.vcpuFDs[idx]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVCPU, idx)
	}

	var out []byte

	err := h.inMain(ctx, func() error {
		var err error

		out, err = h.ioctl(ctx, fd, req, arg, outLen)

		return err
	})

	return out, err
}

// Memory returns the memory of the hypervisor process.
func (h *Hypervisor) Memory() guestmem.Memory {
	return h.mem
}

// PID returns the process id of the hypervisor.
func (h *Hypervisor) PID() int {
	return h.pid
}

// HaltVCPU stops the thread of the vCPU. KVM_RUN returns to the hypervisor
// before the thread stops, so the vCPU state can be read afterwards.
func (h *Hypervisor) HaltVCPU(ctx context.Context, idx int) error {
	tracee, exists := h.vcpus[idx]
	if !exists {
		return fmt.Errorf("%w: %d", ErrUnknownVCPU, idx)
	}

	if tracee == h.main {
		h.mu.Lock()
		defer h.mu.Unlock()
	}

	return tracee.Interrupt(ctx)
}

// ResumeVCPU continues the thread of the vCPU.
func (h *Hypervisor) ResumeVCPU(ctx context.Context, idx int) error {
	tracee, exists := h.vcpus[idx]
	if !exists {
		return fmt.Errorf("%w: %d", ErrUnknownVCPU, idx)
	}

	if tracee == h.main {
		h.mu.Lock()
		defer h.mu.Unlock()
	}

	return tracee.Resume(ctx)
}

// GetRegs returns the general purpose registers of a halted vCPU.
func (h *Hypervisor) GetRegs(ctx context.Context, idx int) (Regs, error) {
	var regs Regs

	out, err := h.vcpuIoctl(ctx, idx, GetRegs, nil, RegsSize)
	if err != nil {
		return regs, err
	}

	return regs, regs.UnmarshalBinary(out)
}

// SetRegs sets the general purpose registers of a halted vCPU.
func (h *Hypervisor) SetRegs(ctx context.Context, idx int, regs Regs) error {
	arg, err := regs.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = h.vcpuIoctl(ctx, idx, SetRegs, arg, 0)

	return err
}

// GetSRegs returns the special registers of a halted vCPU.
func (h *Hypervisor) GetSRegs(ctx context.Context, idx int) (SRegs, error) {
	var sregs SRegs

	out, err := h.vcpuIoctl(ctx, idx, GetSRegs, nil, SRegsSize)
	if err != nil {
		return sregs, err
	}

	return sregs, sregs.UnmarshalBinary(out)
}

// MapMemory allocates anonymous memory in the hypervisor process.
func (h *Hypervisor) MapMemory(ctx context.Context, size uint64) (uint64, error) {
	var hva uint64

	err := h.inMain(ctx, func() error {
		var err error

		hva, err = h.mmap(ctx, size)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("map memory: %w", err)
	}

	return hva, nil
}

// UnmapMemory releases memory allocated with [Hypervisor.MapMemory].
func (h *Hypervisor) UnmapMemory(ctx context.Context, hva, size uint64) error {
	return h.inMain(ctx, func() error {
		_, err := h.main.Syscall(ctx, unix.SYS_MUNMAP, hva, size)
		if err != nil {
			return fmt.Errorf("unmap memory: %w", err)
		}

		return nil
	})
}

// SetMemoryRegion creates, modifies or removes a memory slot of the VM.
func (h *Hypervisor) SetMemoryRegion(ctx context.Context, region UserspaceMemoryRegion) error {
	arg, err := region.MarshalBinary()
	if err != nil {
		return err
	}

	return h.inMain(ctx, func() error {
		_, err := h.ioctl(ctx, h.vmFD, SetUserMemoryRegion, arg, 0)
		return err
	})
}

// IoEventFd registers an eventfd that is signaled when the guest writes
// datamatch with the given width to addr. The returned file is a duplicate
// of the eventfd owned by the hypervisor process.
func (h *Hypervisor) IoEventFd(ctx context.Context, addr uint64, length uint32, datamatch uint64) (*os.File, error) {
	arg := IoEventFdArg{
		Datamatch: datamatch,
		Addr:      addr,
		Len:       length,
		Flags:     IoEventFdFlagDatamatch,
	}

	return h.eventFD(ctx, "ioeventfd", func(fd int32) ([]byte, []byte, error) {
		arg.FD = fd

		assign, err := arg.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}

		arg.Flags |= IoEventFdFlagDeassign

		deassign, err := arg.MarshalBinary()

		return assign, deassign, err
	}, IoEventFd)
}

// IrqFd registers an eventfd that injects the interrupt gsi when signaled.
func (h *Hypervisor) IrqFd(ctx context.Context, gsi uint32) (*os.File, error) {
	arg := IrqFdArg{GSI: gsi}

	return h.eventFD(ctx, "irqfd", func(fd int32) ([]byte, []byte, error) {
		arg.FD = uint32(fd) //nolint:gosec

		assign, err := arg.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}

		arg.Flags |= IrqFdFlagDeassign

		deassign, err := arg.MarshalBinary()

		return assign, deassign, err
	}, IrqFd)
}

type eventFDArgsFunc func(fd int32) (assign, deassign []byte, err error)

func (h *Hypervisor) eventFD(ctx context.Context, name string, args eventFDArgsFunc, req uintptr) (*os.File, error) {
	var local int

	err := h.inMain(ctx, func() error {
		ret, err := h.main.Syscall(ctx, unix.SYS_EVENTFD2, 0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			return fmt.Errorf("create eventfd: %w", err)
		}

		remote := int(ret) //nolint:gosec

		assign, deassign, err := args(int32(remote)) //nolint:gosec
		if err != nil {
			h.closeRemote(ctx, remote)
			return err
		}

		if _, err := h.ioctl(ctx, h.vmFD, req, assign, 0); err != nil {
			h.closeRemote(ctx, remote)
			return fmt.Errorf("register %s: %w", name, err)
		}

		local, err = h.duplicate(remote)
		if err != nil {
			_, _ = h.ioctl(ctx, h.vmFD, req, deassign, 0)
			h.closeRemote(ctx, remote)

			return err
		}

		h.eventFDs = append(h.eventFDs, remoteEventFD{
			fd: remote,
			deassign: func(ctx context.Context) error {
				_, err := h.ioctl(ctx, h.vmFD, req, deassign, 0)
				return err
			},
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return os.NewFile(uintptr(local), name), nil
}

// duplicate copies a descriptor of the hypervisor process into this process.
func (h *Hypervisor) duplicate(remote int) (int, error) {
	pidfd, err := unix.PidfdOpen(h.pid, 0)
	if err != nil {
		return -1, fmt.Errorf("pidfd open: %w", err)
	}
	defer unix.Close(pidfd)

	fd, err := unix.PidfdGetfd(pidfd, remote, 0)
	if err != nil {
		return -1, fmt.Errorf("pidfd getfd: %w", err)
	}

	return fd, nil
}

func (h *Hypervisor) closeRemote(ctx context.Context, fd int) {
	if _, err := h.main.Syscall(ctx, unix.SYS_CLOSE, uint64(fd)); err != nil { //nolint:gosec
		slog.Warn("Failed to close remote descriptor",
			slog.Int("fd", fd),
			slog.Any("error", err))
	}
}

// Close removes the registered eventfds, releases the scratch page and
// detaches from all threads. Halted vCPUs continue running.
func (h *Hypervisor) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	h.closed = true

	err := h.inMainLocked(ctx, func() error {
		var errs []error

		for _, efd := range h.eventFDs {
			if err := efd.deassign(ctx); err != nil {
				errs = append(errs, err)
			}

			h.closeRemote(ctx, efd.fd)
		}

		if h.scratch != 0 {
			if _, err := h.main.Syscall(ctx, unix.SYS_MUNMAP, h.scratch, scratchSize); err != nil {
				errs = append(errs, fmt.Errorf("unmap scratch page: %w", err))
			}
		}

		return errors.Join(errs...)
	})

	err = errors.Join(err, h.detachAll(ctx))

	h.tracer.Close()

	return err
}

func (h *Hypervisor) detachAll(ctx context.Context) error {
	var errs []error

	for idx, tracee := range h.vcpus {
		if tracee == h.main {
			continue
		}

		if err := tracee.Detach(ctx); err != nil {
			errs = append(errs, fmt.Errorf("vcpu %d: %w", idx, err))
		}
	}

	if h.main != nil {
		if err := h.main.Detach(ctx); err != nil {
			errs = append(errs, fmt.Errorf("main thread: %w", err))
		}
	}

	return errors.Join(errs...)
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
