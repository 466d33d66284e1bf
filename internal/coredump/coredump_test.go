// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package coredump_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"

	"github.com/aibor/vmgraft/internal/coredump"
	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostBase = 0x7f00_0000_0000

func newTestMemory(t *testing.T) (*guestmem.Translator, []guestmem.Region) {
	t.Helper()

	mem := guestmem.NewBufferMemory(hostBase, 0x5000)
	for idx := range mem.Data {
		mem.Data[idx] = byte(idx / 0x100)
	}

	regions := []guestmem.Region{
		{GPA: 0, Size: 0x3000, HVA: hostBase},
		{GPA: 0x10_0000, Size: 0x1800, HVA: hostBase + 0x3000, ReadOnly: true},
	}

	translator, err := guestmem.NewTranslator(mem, guestmem.Attached, regions)
	require.NoError(t, err)

	return translator, regions
}

func TestWrite(t *testing.T) {
	translator, regions := newTestMemory(t)

	vcpus := []coredump.VCPU{
		{
			Index: 0,
			TID:   1234,
			Regs:  kvm.Regs{RIP: 0xffff_ffff_8100_0000, RSP: 0xffff_c900_0000_8000, RAX: 7},
			SRegs: kvm.SRegs{CS: kvm.Segment{Selector: 0x10}, SS: kvm.Segment{Selector: 0x18}},
		},
		{
			Index: 1,
			Regs:  kvm.Regs{RIP: 0xffff_ffff_8100_0010, R15: 15},
		},
	}

	var buf bytes.Buffer

	size, err := coredump.Write(&buf, translator, coredump.Dump{VCPUs: vcpus, Regions: regions})
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), size)

	core, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, elf.ET_CORE, core.Type)
	assert.Equal(t, elf.EM_X86_64, core.Machine)
	assert.Equal(t, elf.ELFCLASS64, core.Class)
	require.Len(t, core.Progs, 3)

	t.Run("memory", func(t *testing.T) {
		for idx, region := range regions {
			prog := core.Progs[idx+1]

			assert.Equal(t, elf.PT_LOAD, prog.Type)
			assert.Equal(t, region.GPA, prog.Paddr)
			assert.Equal(t, region.GPA, prog.Vaddr)
			assert.Equal(t, region.Size, prog.Filesz)
			assert.Zero(t, prog.Off%4096)

			data, err := io.ReadAll(prog.Open())
			require.NoError(t, err)

			expected, err := translator.Read(region.GPA, int(region.Size))
			require.NoError(t, err)
			assert.Equal(t, expected, data)
		}

		assert.Equal(t, elf.PF_R|elf.PF_W|elf.PF_X, core.Progs[1].Flags)
		assert.Equal(t, elf.PF_R|elf.PF_X, core.Progs[2].Flags)
	})

	t.Run("notes", func(t *testing.T) {
		prog := core.Progs[0]
		assert.Equal(t, elf.PT_NOTE, prog.Type)

		notes, err := io.ReadAll(prog.Open())
		require.NoError(t, err)
		require.Len(t, notes, 2*356)

		type note struct {
			typ  uint32
			name string
			pid  uint32
			regs []uint64
		}

		parse := func(data []byte) note {
			n := note{
				typ:  binary.LittleEndian.Uint32(data[8:]),
				name: string(data[12:16]),
			}
			desc := data[20:]
			n.pid = binary.LittleEndian.Uint32(desc[32:])

			for idx := range 27 {
				n.regs = append(n.regs, binary.LittleEndian.Uint64(desc[112+8*idx:]))
			}

			return n
		}

		first := parse(notes[:356])
		assert.Equal(t, uint32(elf.NT_PRSTATUS), first.typ)
		assert.Equal(t, "CORE", first.name)
		assert.Equal(t, uint32(1234), first.pid)
		assert.Equal(t, uint64(7), first.regs[10], "rax")
		assert.Equal(t, uint64(0xffff_ffff_8100_0000), first.regs[16], "rip")
		assert.Equal(t, uint64(0x10), first.regs[17], "cs")
		assert.Equal(t, uint64(0xffff_c900_0000_8000), first.regs[19], "rsp")
		assert.Equal(t, uint64(0x18), first.regs[20], "ss")

		second := parse(notes[356:])
		assert.Equal(t, uint32(2), second.pid)
		assert.Equal(t, uint64(15), second.regs[0], "r15")
		assert.Equal(t, uint64(0xffff_ffff_8100_0010), second.regs[16], "rip")
	})
}

func TestWriteErrors(t *testing.T) {
	translator, regions := newTestMemory(t)

	t.Run("no regions", func(t *testing.T) {
		_, err := coredump.Write(io.Discard, translator, coredump.Dump{})
		require.ErrorIs(t, err, coredump.ErrNoRegions)
	})

	t.Run("unmapped region", func(t *testing.T) {
		dump := coredump.Dump{
			Regions: append(regions, guestmem.Region{GPA: 0x20_0000, Size: 0x1000}),
		}

		_, err := coredump.Write(io.Discard, translator, dump)
		require.Error(t, err)
	})

	t.Run("writer fails", func(t *testing.T) {
		_, err := coredump.Write(failingWriter{}, translator, coredump.Dump{Regions: regions})
		require.ErrorIs(t, err, assert.AnError)
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, assert.AnError
}
