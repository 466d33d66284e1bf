// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aibor/vmgraft/internal/attach"
	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/aibor/vmgraft/internal/sys"
)

// Injector defaults.
const (
	DefaultSlot       = 508
	DefaultStackSize  = 64 << 10
	DefaultRetries    = 50
	DefaultRetryDelay = 2 * time.Millisecond
)

// Offsets in the stage memory slot.
const (
	pdptOffset   = 0
	paramsOffset = 2 * sys.PageSize
	headerSize   = 3 * sys.PageSize
)

const rflagsIF = 1 << 9

// Hypervisor is the memory and register surface the [Injector] needs.
type Hypervisor interface {
	GetSRegs(ctx context.Context, idx int) (kvm.SRegs, error)
	MapMemory(ctx context.Context, size uint64) (uint64, error)
	UnmapMemory(ctx context.Context, hva, size uint64) error
	SetMemoryRegion(ctx context.Context, region kvm.UserspaceMemoryRegion) error
}

// VCPUControl halts and resumes all vCPUs of a handle, like
// [attach.Attacher] does.
type VCPUControl interface {
	HaltAll(ctx context.Context, h *attach.Handle) (map[int]kvm.Regs, error)
	ResumeAll(ctx context.Context, h *attach.Handle, regs map[int]kvm.Regs) error
}

// Config is the [Injector] configuration.
type Config struct {
	// Reservation the stage memory is allocated from.
	Reservation *Reservation

	// Slot is the KVM memory slot for the stage memory.
	Slot uint32

	// VCPU is the index of the vCPU that runs stage 1.
	VCPU int

	StackSize uint64

	// Retries is the number of attempts to catch the vCPU in 64 bit kernel
	// mode. RetryDelay is the time the guest runs between attempts.
	Retries    int
	RetryDelay time.Duration

	// Devices passed to stage 1.
	Devices []Device
}

func (c *Config) setDefaults() {
	if c.Slot == 0 {
		c.Slot = DefaultSlot
	}

	if c.StackSize == 0 {
		c.StackSize = DefaultStackSize
	}

	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}

	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Injected describes an injected stage.
type Injected struct {
	Slot     kvm.UserspaceMemoryRegion
	VirtBase uint64
	Entry    uint64
	StackTop uint64

	ParamsGPA uint64
	ParamsVA  uint64
	Stage2GPA uint64
	Stage2VA  uint64

	PML4 PML4Entry

	// VCPU runs stage 1. Interrupted holds its registers before.
	VCPU        int
	Interrupted kvm.Regs
}

// ContainsVA reports whether the stage memory maps the virtual address.
func (i *Injected) ContainsVA(va uint64) bool {
	return va >= i.VirtBase && va-i.VirtBase < i.Slot.MemorySize
}

// DriverStatus reads the driver status from the parameter block.
func (i *Injected) DriverStatus(mem *guestmem.Translator) (DriverStatus, error) {
	status, err := mem.ReadUint32(i.ParamsGPA + DriverStatusOffset)
	if err != nil {
		return 0, fmt.Errorf("read driver status: %w", err)
	}

	return DriverStatus(status), nil
}

// SetDeviceStatus writes the device status into the parameter block.
func (i *Injected) SetDeviceStatus(mem *guestmem.Translator, status DeviceStatus) error {
	if err := mem.WriteUint32(i.ParamsGPA+DeviceStatusOffset, uint32(status)); err != nil {
		return fmt.Errorf("write device status: %w", err)
	}

	return nil
}

// layout of the stage memory slot.
type layout struct {
	virtBase  uint64
	imageOff  uint64
	stackOff  uint64
	stage2Off uint64
	size      uint64
}

// Injector places stage 1 and stage 2 into the guest and redirects a vCPU
// to stage 1.
type Injector struct {
	vcpus VCPUControl
	hv    Hypervisor
	mem   *guestmem.Translator
	cfg   Config
}

// NewInjector creates a new [Injector].
func NewInjector(vcpus VCPUControl, hv Hypervisor, mem *guestmem.Translator, cfg Config) *Injector {
	cfg.setDefaults()

	return &Injector{
		vcpus: vcpus,
		hv:    hv,
		mem:   mem,
		cfg:   cfg,
	}
}

// Inject loads stage1 and stage2 into the guest and lets the configured vCPU
// continue in stage 1. The guest is left unchanged on errors.
func (i *Injector) Inject(ctx context.Context, h *attach.Handle, stage1, stage2 []byte) (*Injected, error) {
	if i.cfg.Reservation == nil {
		return nil, &InjectError{Op: "plan", Err: fmt.Errorf("%w: no reservation", ErrNoSpace)}
	}

	img, err := ParseImage(stage1, sys.AMD64)
	if err != nil {
		return nil, &InjectError{Op: "parse", Err: err}
	}

	if err := ValidateStage2(stage2, sys.AMD64); err != nil {
		return nil, &InjectError{Op: "parse", Err: err}
	}

	lay, err := i.plan(img, uint64(len(stage2)))
	if err != nil {
		return nil, &InjectError{Op: "plan", Err: err}
	}

	regs, sregs, err := i.haltInKernelMode(ctx, h)
	if err != nil {
		return nil, &InjectError{Op: "halt", Err: err}
	}

	interrupted := regs[i.cfg.VCPU]

	inj, err := i.install(ctx, img, lay, stage2, interrupted, sregs)
	if err != nil {
		return nil, &InjectError{
			Op:  "install",
			Err: errors.Join(err, i.vcpus.ResumeAll(ctx, h, nil)),
		}
	}

	redirected := interrupted
	redirected.RIP = inj.Entry
	redirected.RSP = inj.StackTop
	redirected.RDI = inj.ParamsVA
	redirected.RSI = ParamsSize
	redirected.RFLAGS &^= rflagsIF

	err = i.vcpus.ResumeAll(ctx, h, map[int]kvm.Regs{i.cfg.VCPU: redirected})
	if err != nil {
		return nil, &InjectError{
			Op:  "redirect",
			Err: errors.Join(err, i.Remove(ctx, h, inj)),
		}
	}

	slog.Info("Stage injected",
		slog.Int("vcpu", inj.VCPU),
		slog.String("gpa", hex(inj.Slot.GuestPhysAddr)),
		slog.String("va", hex(inj.VirtBase)),
		slog.String("entry", hex(inj.Entry)),
		slog.Int("pml4_index", inj.PML4.Index))

	return inj, nil
}

func (i *Injector) plan(img *Image, stage2Len uint64) (layout, error) {
	lay := layout{imageOff: headerSize}

	if !img.Relocatable() {
		if img.Start() < PML4Base(kernelHalfIndex)+headerSize {
			return layout{}, fmt.Errorf("%w: fixed image at %#x not in kernel half",
				ErrBadImage, img.Start())
		}

		lay.virtBase = sys.AlignDown(img.Start()-headerSize, HugePageSize)
		lay.imageOff = img.Start() - lay.virtBase
	}

	lay.stackOff = sys.AlignUp(lay.imageOff+img.Size(), sys.PageSize)
	lay.stage2Off = lay.stackOff + sys.AlignUp(i.cfg.StackSize, sys.PageSize)
	lay.size = sys.AlignUp(lay.stage2Off+stage2Len, HugePageSize)

	if lay.size > i.cfg.Reservation.Remaining() {
		return layout{}, fmt.Errorf("%w: stage needs %#x bytes, %#x left",
			ErrNoSpace, lay.size, i.cfg.Reservation.Remaining())
	}

	return lay, nil
}

// haltInKernelMode halts all vCPUs until the stage vCPU is caught running
// 64 bit kernel code.
func (i *Injector) haltInKernelMode(ctx context.Context, h *attach.Handle) (map[int]kvm.Regs, kvm.SRegs, error) {
	for attempt := 1; ; attempt++ {
		regs, err := i.vcpus.HaltAll(ctx, h)
		if err != nil {
			return nil, kvm.SRegs{}, fmt.Errorf("halt: %w", err)
		}

		if _, exists := regs[i.cfg.VCPU]; !exists {
			return nil, kvm.SRegs{}, errors.Join(
				fmt.Errorf("%w: %d", attach.ErrVCPUNotFound, i.cfg.VCPU),
				i.vcpus.ResumeAll(ctx, h, nil),
			)
		}

		sregs, err := i.hv.GetSRegs(ctx, i.cfg.VCPU)
		if err != nil {
			return nil, kvm.SRegs{}, errors.Join(
				fmt.Errorf("get sregs: %w", err),
				i.vcpus.ResumeAll(ctx, h, nil),
			)
		}

		if sregs.LongMode() && sregs.CPL() == 0 {
			return regs, sregs, nil
		}

		if err := i.vcpus.ResumeAll(ctx, h, nil); err != nil {
			return nil, kvm.SRegs{}, fmt.Errorf("resume: %w", err)
		}

		if attempt >= i.cfg.Retries {
			return nil, kvm.SRegs{}, fmt.Errorf("%w: long mode %t, cpl %d after %d attempts",
				ErrUnsupportedCPUMode, sregs.LongMode(), sregs.CPL(), attempt)
		}

		slog.Debug("vCPU not in kernel mode, retry",
			slog.Int("vcpu", i.cfg.VCPU),
			slog.Int("attempt", attempt),
			slog.String("rip", hex(regs[i.cfg.VCPU].RIP)))

		select {
		case <-ctx.Done():
			return nil, kvm.SRegs{}, ctx.Err()
		case <-time.After(i.cfg.RetryDelay):
		}
	}
}

// install writes the stage into new guest memory while all vCPUs are halted.
// Every step is undone on failure.
func (i *Injector) install(
	ctx context.Context,
	img *Image,
	lay layout,
	stage2 []byte,
	interrupted kvm.Regs,
	sregs kvm.SRegs,
) (*Injected, error) {
	var undo []func() error

	fail := func(err error) (*Injected, error) {
		errs := []error{err}
		for idx := len(undo) - 1; idx >= 0; idx-- {
			errs = append(errs, undo[idx]())
		}

		return nil, errors.Join(errs...)
	}

	root := sregs.PageTableRoot()

	var pml4Index int

	if img.Relocatable() {
		idx, err := FindFreePML4Entry(i.mem, root)
		if err != nil {
			return nil, err
		}

		pml4Index = idx
		lay.virtBase = PML4Base(idx)
	} else {
		pml4Index = PML4Index(lay.virtBase)

		free, err := PML4EntryFree(i.mem, root, pml4Index)
		if err != nil {
			return nil, err
		}

		if !free {
			return nil, fmt.Errorf("%w: pml4 entry %d of fixed image in use", ErrNoSpace, pml4Index)
		}
	}

	res := i.cfg.Reservation

	gpa, err := res.Alloc(lay.size, HugePageSize)
	if err != nil {
		return nil, err
	}

	undo = append(undo, func() error {
		res.Free(gpa, lay.size)
		return nil
	})

	tables, err := BuildTables(lay.virtBase, gpa, lay.size, gpa+pdptOffset)
	if err != nil {
		return fail(err)
	}

	hva, err := i.hv.MapMemory(ctx, lay.size)
	if err != nil {
		return fail(fmt.Errorf("map memory: %w", err))
	}

	undo = append(undo, func() error {
		return i.hv.UnmapMemory(ctx, hva, lay.size)
	})

	slot := kvm.UserspaceMemoryRegion{
		Slot:          i.cfg.Slot,
		GuestPhysAddr: gpa,
		MemorySize:    lay.size,
		UserspaceAddr: hva,
	}

	if err := i.hv.SetMemoryRegion(ctx, slot); err != nil {
		return fail(fmt.Errorf("create slot: %w", err))
	}

	undo = append(undo, func() error {
		removed := slot
		removed.MemorySize = 0

		return i.hv.SetMemoryRegion(ctx, removed)
	})

	err = i.mem.AddRegion(guestmem.Region{
		GPA:  gpa,
		Size: lay.size,
		HVA:  hva,
		Slot: i.cfg.Slot,
	})
	if err != nil {
		return fail(err) //nolint:wrapcheck
	}

	undo = append(undo, func() error {
		i.mem.RemoveRegion(gpa)
		return nil
	})

	inj := &Injected{
		Slot:        slot,
		VirtBase:    lay.virtBase,
		Entry:       img.EntryAt(lay.virtBase + lay.imageOff),
		StackTop:    lay.virtBase + lay.stage2Off - 8,
		ParamsGPA:   gpa + paramsOffset,
		ParamsVA:    lay.virtBase + paramsOffset,
		Stage2GPA:   gpa + lay.stage2Off,
		Stage2VA:    lay.virtBase + lay.stage2Off,
		VCPU:        i.cfg.VCPU,
		Interrupted: interrupted,
	}

	loaded, err := img.Load(lay.virtBase + lay.imageOff)
	if err != nil {
		return fail(err)
	}

	params := Params{
		Stage2GPA:    inj.Stage2GPA,
		Stage2Len:    uint64(len(stage2)),
		Stage2VA:     inj.Stage2VA,
		ReturnRIP:    interrupted.RIP,
		ReturnRSP:    interrupted.RSP,
		ReturnRFLAGS: interrupted.RFLAGS,
		Devices:      i.cfg.Devices,
	}

	paramsData, err := params.MarshalBinary()
	if err != nil {
		return fail(err)
	}

	writes := []struct {
		name string
		gpa  uint64
		data []byte
	}{
		{"page tables", gpa + pdptOffset, tables},
		{"params", inj.ParamsGPA, paramsData},
		{"stage1", gpa + lay.imageOff, loaded},
		{"stage2", inj.Stage2GPA, stage2},
	}

	for _, w := range writes {
		if err := i.mem.Write(w.gpa, w.data); err != nil {
			return fail(fmt.Errorf("write %s: %w", w.name, err))
		}
	}

	inj.PML4, err = InstallPML4Entry(i.mem, root, pml4Index, gpa+pdptOffset)
	if err != nil {
		return fail(err)
	}

	return inj, nil
}

// Remove takes the stage out of the guest. The vCPU that ran stage 1 gets
// its interrupted registers back if it still executes stage memory.
// Otherwise stage 1 returned and its current state is kept.
func (i *Injector) Remove(ctx context.Context, h *attach.Handle, inj *Injected) error {
	regs, err := i.vcpus.HaltAll(ctx, h)
	if err != nil {
		return &InjectError{Op: "remove", Err: err}
	}

	removed := inj.Slot
	removed.MemorySize = 0

	var errs []error

	if err := RestorePML4Entry(i.mem, inj.PML4); err != nil {
		errs = append(errs, err)
	}

	i.mem.RemoveRegion(inj.Slot.GuestPhysAddr)

	if err := i.hv.SetMemoryRegion(ctx, removed); err != nil {
		errs = append(errs, fmt.Errorf("remove slot: %w", err))
	}

	if err := i.hv.UnmapMemory(ctx, inj.Slot.UserspaceAddr, inj.Slot.MemorySize); err != nil {
		errs = append(errs, fmt.Errorf("unmap memory: %w", err))
	}

	i.cfg.Reservation.Free(inj.Slot.GuestPhysAddr, inj.Slot.MemorySize)

	restore := map[int]kvm.Regs{}
	if current, exists := regs[inj.VCPU]; exists && inj.ContainsVA(current.RIP) {
		restore[inj.VCPU] = inj.Interrupted
	}

	if err := i.vcpus.ResumeAll(ctx, h, restore); err != nil {
		errs = append(errs, err)
	}

	// The stage vCPU is in a state of the guest's choosing now.
	h.Release(inj.VCPU)

	if err := errors.Join(errs...); err != nil {
		return &InjectError{Op: "remove", Err: err}
	}

	slog.Info("Stage removed", slog.String("gpa", hex(inj.Slot.GuestPhysAddr)))

	return nil
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
