// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stage_test

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"testing"
	"time"

	"github.com/aibor/vmgraft/internal/attach"
	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/aibor/vmgraft/internal/proc"
	"github.com/aibor/vmgraft/internal/stage"
	"github.com/aibor/vmgraft/internal/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPID     = 1234
	testHVABase = 0x7f00_0000_0000
	testRAMSize = 16 << 20
)

type injectorEnv struct {
	attacher *attach.Attacher
	handle   *attach.Handle
	hv       *attach.FakeHypervisor
	mem      *guestmem.Translator
	res      *stage.Reservation
}

func newInjectorEnv(t *testing.T) *injectorEnv {
	t.Helper()

	buf := guestmem.NewBufferMemory(testHVABase, 2*testRAMSize)
	hv := attach.NewFakeHypervisor(2, buf, testHVABase+testRAMSize)

	fsys := proc.WithReadLinkNoFollowOpen(attach.FakeProcFS(testPID, 2))
	attacher := attach.NewAttacher(fsys, hv.Connector(), nil)

	handle, err := attacher.Attach(context.Background(), testPID)
	require.NoError(t, err)

	mem, err := guestmem.NewTranslator(buf, handle, []guestmem.Region{
		{GPA: 0, Size: testRAMSize, HVA: testHVABase},
	})
	require.NoError(t, err)

	res, err := stage.PlanReservation(mem.Regions(), 0, 0)
	require.NoError(t, err)

	return &injectorEnv{
		attacher: attacher,
		handle:   handle,
		hv:       hv,
		mem:      mem,
		res:      res,
	}
}

func (e *injectorEnv) injector(cfg stage.Config) *stage.Injector {
	if cfg.Reservation == nil {
		cfg.Reservation = e.res
	}

	return stage.NewInjector(e.attacher, e.hv, e.mem, cfg)
}

func testStage1() []byte {
	return stage.TestImage{
		Code: testCode(),
		Relocations: []elf.Rela64{
			stage.TestRelocation(stage.TestImageCodeOffset+0x10, elf.R_X86_64_RELATIVE, 0, 0x200),
		},
	}.Bytes()
}

func testStage2() []byte {
	return stage.TestImage{
		Type:  elf.ET_EXEC,
		Vaddr: 0x40_0000,
		Code:  testCode(),
	}.Bytes()
}

func TestInject(t *testing.T) {
	ctx := context.Background()
	env := newInjectorEnv(t)

	// Occupied by the guest kernel.
	require.NoError(t, env.mem.WriteUint64(testRoot+256*8, 0x2003))

	original := env.hv.Regs[0]
	stage2 := testStage2()
	devices := []stage.Device{{Addr: 0x4020_0000, GSI: 5}}

	injector := env.injector(stage.Config{Devices: devices})

	inj, err := injector.Inject(ctx, env.handle, testStage1(), stage2)
	require.NoError(t, err)

	virtBase := stage.PML4Base(257)
	slotGPA := uint64(1 << 30)

	assert.Equal(t, virtBase, inj.VirtBase)
	assert.Equal(t, 257, inj.PML4.Index)
	assert.Equal(t, uint32(stage.DefaultSlot), inj.Slot.Slot)
	assert.Equal(t, slotGPA, inj.Slot.GuestPhysAddr)
	assert.Equal(t, uint64(stage.HugePageSize), inj.Slot.MemorySize)
	assert.Equal(t, uint64(testHVABase+testRAMSize), inj.Slot.UserspaceAddr)
	assert.Equal(t, inj.Slot, env.hv.Slots[stage.DefaultSlot])
	assert.Equal(t, original, inj.Interrupted)

	t.Run("registers", func(t *testing.T) {
		regs := env.hv.Regs[0]
		assert.Equal(t, virtBase+0x3000+stage.TestImageCodeOffset, regs.RIP)
		assert.Equal(t, inj.Entry, regs.RIP)
		assert.Equal(t, inj.StackTop, regs.RSP)
		assert.Equal(t, uint64(8), regs.RSP%16)
		assert.Equal(t, inj.ParamsVA, regs.RDI)
		assert.Equal(t, uint64(stage.ParamsSize), regs.RSI)
		assert.Equal(t, uint64(0x46), regs.RFLAGS, "interrupts disabled")
		assert.Equal(t, original.RBX, regs.RBX)
		assert.Empty(t, env.hv.HaltedVCPUs())
		assert.True(t, env.handle.Changed(0))
		assert.False(t, env.handle.Changed(1))
	})

	t.Run("page tables", func(t *testing.T) {
		pml4, err := env.mem.ReadUint64(testRoot + 257*8)
		require.NoError(t, err)
		assert.Equal(t, slotGPA|0x3, pml4)

		pdpt, err := env.mem.ReadUint64(slotGPA)
		require.NoError(t, err)
		assert.Equal(t, (slotGPA+0x1000)|0x3, pdpt)

		pd, err := env.mem.ReadUint64(slotGPA + 0x1000)
		require.NoError(t, err)
		assert.Equal(t, slotGPA|0x83, pd)
	})

	t.Run("params", func(t *testing.T) {
		data, err := env.mem.Read(inj.ParamsGPA, stage.ParamsSize)
		require.NoError(t, err)

		var params stage.Params
		require.NoError(t, params.UnmarshalBinary(data))

		expected := stage.Params{
			Stage2GPA:    inj.Stage2GPA,
			Stage2Len:    uint64(len(stage2)),
			Stage2VA:     inj.Stage2VA,
			ReturnRIP:    original.RIP,
			ReturnRSP:    original.RSP,
			ReturnRFLAGS: original.RFLAGS,
			Devices:      devices,
		}
		assert.Equal(t, expected, params)
		assert.Equal(t, inj.Stage2VA-inj.VirtBase, inj.Stage2GPA-slotGPA)
	})

	t.Run("images", func(t *testing.T) {
		code, err := env.mem.Read(slotGPA+0x3000+stage.TestImageCodeOffset, 0x18)
		require.NoError(t, err)
		assert.Equal(t, byte(0xf4), code[0])
		assert.Equal(t, virtBase+0x3000+0x200, binary.LittleEndian.Uint64(code[0x10:]))

		blob, err := env.mem.Read(inj.Stage2GPA, len(stage2))
		require.NoError(t, err)
		assert.Equal(t, stage2, blob)
	})

	t.Run("status", func(t *testing.T) {
		status, err := inj.DriverStatus(env.mem)
		require.NoError(t, err)
		assert.Equal(t, stage.DriverPending, status)

		require.NoError(t, inj.SetDeviceStatus(env.mem, stage.DevicesReady))

		value, err := env.mem.ReadUint32(inj.ParamsGPA + stage.DeviceStatusOffset)
		require.NoError(t, err)
		assert.Equal(t, uint32(stage.DevicesReady), value)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, injector.Remove(ctx, env.handle, inj))

		assert.Equal(t, original, env.hv.Regs[0], "interrupted context restored")
		assert.Empty(t, env.hv.Slots)
		assert.Empty(t, env.hv.Mapped)
		assert.Empty(t, env.hv.HaltedVCPUs())
		assert.Len(t, env.mem.Regions(), 1)
		assert.Equal(t, env.res.Size, env.res.Remaining())

		_, exists := env.handle.Snapshot(0)
		assert.False(t, exists, "snapshot released")

		pml4, err := env.mem.ReadUint64(testRoot + 257*8)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), pml4)
	})
}

func TestInjectFixedImage(t *testing.T) {
	const vaddr = 0xffff_c000_0020_0000

	env := newInjectorEnv(t)
	stage1 := stage.TestImage{
		Type:  elf.ET_EXEC,
		Vaddr: vaddr,
		Code:  testCode(),
	}.Bytes()

	inj, err := env.injector(stage.Config{}).Inject(context.Background(), env.handle, stage1, testStage2())
	require.NoError(t, err)

	assert.Equal(t, uint64(0xffff_c000_0000_0000), inj.VirtBase)
	assert.Equal(t, 384, inj.PML4.Index)
	assert.Equal(t, uint64(vaddr+stage.TestImageCodeOffset), inj.Entry)
	assert.Equal(t, uint64(2*stage.HugePageSize), inj.Slot.MemorySize)

	pd, err := env.mem.ReadUint64(inj.Slot.GuestPhysAddr + 0x1008)
	require.NoError(t, err)
	assert.Equal(t, (inj.Slot.GuestPhysAddr+stage.HugePageSize)|0x83, pd)
}

func TestInjectRollback(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, env *injectorEnv)
	}{
		{
			name: "map memory",
			setup: func(_ *testing.T, env *injectorEnv) {
				env.hv.MapErr = assert.AnError
			},
		},
		{
			name: "create slot",
			setup: func(_ *testing.T, env *injectorEnv) {
				env.hv.SlotErr = assert.AnError
			},
		},
		{
			name: "add region",
			setup: func(t *testing.T, env *injectorEnv) {
				// Collides with the stage region in the translator.
				require.NoError(t, env.mem.AddRegion(guestmem.Region{
					GPA:  1 << 30,
					Size: 0x1000,
					HVA:  testHVABase,
				}))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newInjectorEnv(t)
			original := env.hv.Regs[0]

			tt.setup(t, env)

			regions := len(env.mem.Regions())

			_, err := env.injector(stage.Config{}).Inject(ctx, env.handle, testStage1(), testStage2())
			require.Error(t, err)
			require.ErrorIs(t, err, &stage.InjectError{})

			assert.Equal(t, original, env.hv.Regs[0], "registers untouched")
			assert.Empty(t, env.hv.Slots)
			assert.Empty(t, env.hv.Mapped)
			assert.Empty(t, env.hv.HaltedVCPUs())
			assert.Len(t, env.mem.Regions(), regions)
			assert.Equal(t, env.res.Size, env.res.Remaining())
			assert.False(t, env.handle.Changed(0))

			pml4, err := env.mem.ReadUint64(testRoot + 256*8)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), pml4)
		})
	}
}

func TestInjectErrors(t *testing.T) {
	tests := []struct {
		name        string
		stage1      []byte
		cfg         func(t *testing.T, env *injectorEnv) stage.Config
		setup       func(t *testing.T, env *injectorEnv)
		expectedErr error
	}{
		{
			name:        "bad image",
			stage1:      []byte("garbage"),
			expectedErr: stage.ErrBadImage,
		},
		{
			name:   "small reservation",
			stage1: testStage1(),
			cfg: func(t *testing.T, env *injectorEnv) stage.Config {
				res, err := stage.PlanReservation(env.mem.Regions(), 0, 0x10_0000)
				require.NoError(t, err)

				return stage.Config{Reservation: res}
			},
			expectedErr: stage.ErrNoSpace,
		},
		{
			name:   "no free pml4 entry",
			stage1: testStage1(),
			setup: func(t *testing.T, env *injectorEnv) {
				for idx := 256; idx < 512; idx++ {
					require.NoError(t, env.mem.WriteUint64(testRoot+uint64(idx)*8, 0x1003))
				}
			},
			expectedErr: stage.ErrNoSpace,
		},
		{
			name:   "user mode",
			stage1: testStage1(),
			cfg: func(_ *testing.T, _ *injectorEnv) stage.Config {
				return stage.Config{Retries: 3, RetryDelay: time.Microsecond}
			},
			setup: func(_ *testing.T, env *injectorEnv) {
				sregs := env.hv.SRegs[0]
				sregs.CS.Selector = 0x33
				env.hv.SRegs[0] = sregs
			},
			expectedErr: stage.ErrUnsupportedCPUMode,
		},
		{
			name:   "unknown vcpu",
			stage1: testStage1(),
			cfg: func(_ *testing.T, _ *injectorEnv) stage.Config {
				return stage.Config{VCPU: 5}
			},
			expectedErr: attach.ErrVCPUNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newInjectorEnv(t)

			var cfg stage.Config
			if tt.cfg != nil {
				cfg = tt.cfg(t, env)
			}

			if tt.setup != nil {
				tt.setup(t, env)
			}

			original := env.hv.Regs[0]

			_, err := env.injector(cfg).Inject(context.Background(), env.handle, tt.stage1, testStage2())
			require.ErrorIs(t, err, tt.expectedErr)
			require.ErrorIs(t, err, &stage.InjectError{})

			assert.Equal(t, original, env.hv.Regs[0])
			assert.Empty(t, env.hv.HaltedVCPUs())
			assert.Empty(t, env.hv.Slots)
		})
	}
}

func TestInjectRetriesUntilKernelMode(t *testing.T) {
	env := newInjectorEnv(t)

	kernel := env.hv.SRegs[0]
	user := kernel
	user.CS.Selector = 0x33
	env.hv.SRegs[0] = user

	halts := 0
	vcpus := &retryControl{
		VCPUControl: env.attacher,
		onHalt: func() {
			halts++
			if halts == 3 {
				env.hv.SRegs[0] = kernel
			}
		},
	}

	injector := stage.NewInjector(vcpus, env.hv, env.mem, stage.Config{
		Reservation: env.res,
		RetryDelay:  time.Microsecond,
	})

	_, err := injector.Inject(context.Background(), env.handle, testStage1(), testStage2())
	require.NoError(t, err)
	assert.Equal(t, 3, halts)
}

func TestInjectBadStage2(t *testing.T) {
	tests := []struct {
		name   string
		stage2 []byte
	}{
		{
			name: "empty",
		},
		{
			name:   "not elf",
			stage2: []byte("stage two payload"),
		},
		{
			name: "wrong machine",
			stage2: stage.TestImage{
				Type:    elf.ET_EXEC,
				Machine: elf.EM_AARCH64,
				Vaddr:   0x40_0000,
				Code:    testCode(),
			}.Bytes(),
		},
		{
			name: "relocatable",
			stage2: stage.TestImage{
				Type: elf.ET_REL,
				Code: testCode(),
			}.Bytes(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newInjectorEnv(t)
			original := env.hv.Regs[0]

			halts := 0
			vcpus := &retryControl{
				VCPUControl: env.attacher,
				onHalt:      func() { halts++ },
			}

			injector := stage.NewInjector(vcpus, env.hv, env.mem, stage.Config{
				Reservation: env.res,
			})

			_, err := injector.Inject(context.Background(), env.handle, testStage1(), tt.stage2)
			require.ErrorIs(t, err, stage.ErrBadImage)
			require.ErrorIs(t, err, &stage.InjectError{})

			assert.Zero(t, halts, "vcpus never halted")
			assert.Equal(t, original, env.hv.Regs[0])
			assert.Empty(t, env.hv.Slots)
			assert.Equal(t, env.res.Size, env.res.Remaining())
		})
	}
}

func TestValidateStage2(t *testing.T) {
	require.NoError(t, stage.ValidateStage2(testStage2(), sys.AMD64))
	require.NoError(t, stage.ValidateStage2(testStage1(), sys.AMD64), "position independent")
	require.ErrorIs(t, stage.ValidateStage2(nil, sys.AMD64), stage.ErrBadImage)
	require.ErrorIs(t, stage.ValidateStage2(testStage2(), sys.ARM64), stage.ErrBadImage)
}

type retryControl struct {
	stage.VCPUControl
	onHalt func()
}

func (r *retryControl) HaltAll(ctx context.Context, h *attach.Handle) (map[int]kvm.Regs, error) {
	r.onHalt()
	return r.VCPUControl.HaltAll(ctx, h) //nolint:wrapcheck
}
