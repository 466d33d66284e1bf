// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package attach

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"sync"
	"testing/fstest"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/aibor/vmgraft/internal/sys"
)

// FakeHypervisor is an in-memory [Hypervisor] for tests. It models halting,
// registers, memory allocation and memory slots. Register access on running
// vCPUs fails like it would block on a real VM.
type FakeHypervisor struct {
	mu sync.Mutex

	Regs   map[int]kvm.Regs
	SRegs  map[int]kvm.SRegs
	Halted map[int]bool
	Slots  map[uint32]kvm.UserspaceMemoryRegion
	Closed bool

	// Mem backs host memory. MapMemory allocates from MapBase upwards.
	Mem     *guestmem.BufferMemory
	MapBase uint64
	Mapped  map[uint64]uint64

	// Errors returned by the respective methods if set.
	HaltErr   error
	GetErr    error
	SetErr    error
	MapErr    error
	SlotErr   error
	CloseErr  error
	ResumeErr error

	// Calls records the method calls in order.
	Calls []string
}

// NewFakeHypervisor creates a [FakeHypervisor] with the given number of
// vCPUs in long mode at CPL 0.
func NewFakeHypervisor(vcpus int, mem *guestmem.BufferMemory, mapBase uint64) *FakeHypervisor {
	hv := &FakeHypervisor{
		Regs:    map[int]kvm.Regs{},
		SRegs:   map[int]kvm.SRegs{},
		Halted:  map[int]bool{},
		Slots:   map[uint32]kvm.UserspaceMemoryRegion{},
		Mapped:  map[uint64]uint64{},
		Mem:     mem,
		MapBase: mapBase,
	}

	for idx := range vcpus {
		hv.Regs[idx] = kvm.Regs{
			RIP:    0xffff_ffff_8100_0000 + uint64(idx)*0x10, //nolint:gosec
			RSP:    0xffff_c900_0000_8000,
			RFLAGS: 0x246,
		}
		hv.SRegs[idx] = kvm.SRegs{
			CS:   kvm.Segment{Selector: 0x10, L: 1, Present: 1},
			CR0:  0x8005_0033,
			CR3:  0x10_0000,
			CR4:  0x3406f0,
			EFER: 0xd01,
		}
	}

	return hv
}

func (f *FakeHypervisor) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *FakeHypervisor) vcpu(idx int) error {
	if _, exists := f.Regs[idx]; !exists {
		return fmt.Errorf("%w: %d", kvm.ErrUnknownVCPU, idx)
	}

	return nil
}

func (f *FakeHypervisor) halted(idx int) error {
	if err := f.vcpu(idx); err != nil {
		return err
	}

	if !f.Halted[idx] {
		return fmt.Errorf("%w: %d", ErrNotHalted, idx)
	}

	return nil
}

// HaltVCPU implements [Hypervisor].
func (f *FakeHypervisor) HaltVCPU(_ context.Context, idx int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("halt %d", idx)

	if f.HaltErr != nil {
		return f.HaltErr
	}

	if err := f.vcpu(idx); err != nil {
		return err
	}

	f.Halted[idx] = true

	return nil
}

// ResumeVCPU implements [Hypervisor].
func (f *FakeHypervisor) ResumeVCPU(_ context.Context, idx int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("resume %d", idx)

	if f.ResumeErr != nil {
		return f.ResumeErr
	}

	if err := f.vcpu(idx); err != nil {
		return err
	}

	f.Halted[idx] = false

	return nil
}

// GetRegs implements [Hypervisor].
func (f *FakeHypervisor) GetRegs(_ context.Context, idx int) (kvm.Regs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("getregs %d", idx)

	if f.GetErr != nil {
		return kvm.Regs{}, f.GetErr
	}

	if err := f.halted(idx); err != nil {
		return kvm.Regs{}, err
	}

	return f.Regs[idx], nil
}

// SetRegs implements [Hypervisor].
func (f *FakeHypervisor) SetRegs(_ context.Context, idx int, regs kvm.Regs) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("setregs %d", idx)

	if f.SetErr != nil {
		return f.SetErr
	}

	if err := f.halted(idx); err != nil {
		return err
	}

	f.Regs[idx] = regs

	return nil
}

// GetSRegs returns the special registers of a halted vCPU.
func (f *FakeHypervisor) GetSRegs(_ context.Context, idx int) (kvm.SRegs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("getsregs %d", idx)

	if f.GetErr != nil {
		return kvm.SRegs{}, f.GetErr
	}

	if err := f.halted(idx); err != nil {
		return kvm.SRegs{}, err
	}

	return f.SRegs[idx], nil
}

// MapMemory allocates page aligned memory from [FakeHypervisor.Mem].
func (f *FakeHypervisor) MapMemory(_ context.Context, size uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("mmap %#x", size)

	if f.MapErr != nil {
		return 0, f.MapErr
	}

	hva := f.MapBase
	end := f.Mem.Base + uint64(len(f.Mem.Data))

	if hva+size > end {
		return 0, fmt.Errorf("fake mmap of %#x bytes: out of memory", size)
	}

	f.MapBase = sys.AlignUp(hva+size, sys.PageSize)
	f.Mapped[hva] = size

	return hva, nil
}

// UnmapMemory releases memory allocated with [FakeHypervisor.MapMemory].
func (f *FakeHypervisor) UnmapMemory(_ context.Context, hva, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("munmap %#x", hva)

	if f.Mapped[hva] != size {
		return fmt.Errorf("fake munmap of %#x: not mapped with size %#x", hva, size)
	}

	delete(f.Mapped, hva)

	return nil
}

// SetMemoryRegion creates or removes a memory slot.
func (f *FakeHypervisor) SetMemoryRegion(_ context.Context, region kvm.UserspaceMemoryRegion) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("slot %d %#x", region.Slot, region.MemorySize)

	if f.SlotErr != nil {
		return f.SlotErr
	}

	if region.MemorySize == 0 {
		delete(f.Slots, region.Slot)
		return nil
	}

	f.Slots[region.Slot] = region

	return nil
}

// Close implements [Hypervisor].
func (f *FakeHypervisor) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("close")
	f.Closed = true

	return f.CloseErr
}

// HaltedVCPUs returns the indexes of the halted vCPUs.
func (f *FakeHypervisor) HaltedVCPUs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var halted []int

	for idx, isHalted := range f.Halted {
		if isHalted {
			halted = append(halted, idx)
		}
	}

	slices.Sort(halted)

	return halted
}

// Connector returns a [ConnectFunc] that returns the fake.
func (f *FakeHypervisor) Connector() ConnectFunc {
	return func(_ context.Context, _ kvm.Target) (Hypervisor, error) {
		return f, nil
	}
}

// FakeProcFS returns a proc file system with a single hypervisor process
// with the given pid and number of vCPUs. vCPU threads are named like QEMU
// names them and are blocked in KVM_RUN.
func FakeProcFS(pid, vcpus int) fstest.MapFS {
	link := func(target string) *fstest.MapFile {
		return &fstest.MapFile{Data: []byte(target), Mode: fs.ModeSymlink}
	}

	dir := strconv.Itoa(pid) + "/"
	status := "Name:\tqemu-system-x86\nTracerPid:\t0\n"

	fsys := fstest.MapFS{}
	fsys[dir+"status"] = &fstest.MapFile{Data: []byte(status)}
	fsys[dir+"fd/0"] = link("/dev/null")
	fsys[dir+"fd/3"] = link("/dev/kvm")
	fsys[dir+"fd/9"] = link("anon_inode:kvm-vm")
	fsys[dir+"task/"+dir+"comm"] = &fstest.MapFile{Data: []byte("qemu-system-x86\n")}

	for idx := range vcpus {
		fd := strconv.Itoa(20 + idx)
		tid := dir + "task/" + strconv.Itoa(pid+1+idx) + "/"
		fsys[dir+"fd/"+fd] = link("anon_inode:kvm-vcpu:" + strconv.Itoa(idx))
		fsys[tid+"comm"] = &fstest.MapFile{Data: []byte("CPU " + strconv.Itoa(idx) + "/KVM\n")}
		syscall := "16 0x" + strconv.FormatInt(int64(20+idx), 16) + " 0xae80 0x0 0x0 0x0 0x0 0x7ffc 0x7f00\n"
		fsys[tid+"syscall"] = &fstest.MapFile{Data: []byte(syscall)}
	}

	return fsys
}
