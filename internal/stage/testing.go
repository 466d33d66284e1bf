// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// TestImageCodeOffset is the file and memory offset of the code of a
// [TestImage].
const TestImageCodeOffset = 0x200

// TestImage builds minimal ELF64 stage 1 images for tests. The single
// loadable segment starts at Vaddr and maps the file from offset 0, with
// Code at [TestImageCodeOffset].
type TestImage struct {
	Type    elf.Type
	Machine elf.Machine
	Vaddr   uint64
	Flags   elf.ProgFlag

	// EntryOffset is the entry relative to the code.
	EntryOffset uint64
	Code        []byte
	BSS         uint64

	Relocations []elf.Rela64

	// Symbols are the dynamic symbols, without the null symbol.
	Symbols []elf.Sym64
}

// Bytes returns the ELF file.
func (t TestImage) Bytes() []byte {
	typ := t.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_DYN
	}

	machine := t.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}

	flags := t.Flags
	if flags == 0 {
		flags = elf.PF_R | elf.PF_W | elf.PF_X
	}

	codeEnd := uint64(TestImageCodeOffset + len(t.Code))

	var data bytes.Buffer

	pad := func() {
		for data.Len()%8 != 0 {
			data.WriteByte(0)
		}
	}

	write := func(v any) {
		_ = binary.Write(&data, binary.LittleEndian, v)
	}

	data.Write(make([]byte, TestImageCodeOffset))
	data.Write(t.Code)
	pad()

	relaOff := uint64(data.Len())
	for _, rela := range t.Relocations {
		write(rela)
	}

	pad()

	symOff := uint64(data.Len())
	write(elf.Sym64{})

	for _, sym := range t.Symbols {
		write(sym)
	}

	dynstrOff := uint64(data.Len())
	data.WriteString("\x00sym\x00")

	shstrOff := uint64(data.Len())
	shstrtab := "\x00.rela.dyn\x00.dynsym\x00.dynstr\x00.shstrtab\x00"
	data.WriteString(shstrtab)
	pad()

	shOff := uint64(data.Len())
	sections := []elf.Section64{
		{},
		{
			Name:      1,
			Type:      uint32(elf.SHT_RELA),
			Flags:     uint64(elf.SHF_ALLOC),
			Off:       relaOff,
			Size:      uint64(len(t.Relocations)) * 24,
			Link:      2,
			Addralign: 8,
			Entsize:   24,
		},
		{
			Name:      11,
			Type:      uint32(elf.SHT_DYNSYM),
			Flags:     uint64(elf.SHF_ALLOC),
			Off:       symOff,
			Size:      uint64(len(t.Symbols)+1) * 24,
			Link:      3,
			Info:      1,
			Addralign: 8,
			Entsize:   24,
		},
		{
			Name:      19,
			Type:      uint32(elf.SHT_STRTAB),
			Flags:     uint64(elf.SHF_ALLOC),
			Off:       dynstrOff,
			Size:      5,
			Addralign: 1,
		},
		{
			Name:      27,
			Type:      uint32(elf.SHT_STRTAB),
			Off:       shstrOff,
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		},
	}

	for _, section := range sections {
		write(section)
	}

	var out bytes.Buffer

	header := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     t.Vaddr + TestImageCodeOffset + t.EntryOffset,
		Phoff:     64,
		Shoff:     shOff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     uint16(len(sections)), //nolint:gosec
		Shstrndx:  4,
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(flags),
		Off:    0,
		Vaddr:  t.Vaddr,
		Paddr:  t.Vaddr,
		Filesz: codeEnd,
		Memsz:  codeEnd + t.BSS,
		Align:  0x1000,
	}

	_ = binary.Write(&out, binary.LittleEndian, header)
	_ = binary.Write(&out, binary.LittleEndian, prog)

	file := data.Bytes()
	copy(file, out.Bytes())

	return file
}

// TestRelocation returns a RELA entry.
func TestRelocation(offset uint64, typ elf.R_X86_64, sym uint32, addend int64) elf.Rela64 {
	return elf.Rela64{
		Off:    offset,
		Info:   elf.R_INFO(sym, uint32(typ)),
		Addend: addend,
	}
}
