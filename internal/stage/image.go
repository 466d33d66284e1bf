// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/aibor/vmgraft/internal/sys"
)

const rela64Size = 24

// Segment is a loadable segment of an [Image].
type Segment struct {
	Vaddr uint64
	Memsz uint64
	Flags elf.ProgFlag
	Data  []byte
}

// Relocation is a relocation applied when loading an [Image].
type Relocation struct {
	Offset uint64
	Type   elf.R_X86_64
	Addend int64

	// Symbol is the link time value of the referenced symbol, if any.
	Symbol uint64
}

// Image is a parsed stage 1 image.
type Image struct {
	Type        elf.Type
	Entry       uint64
	Segments    []Segment
	Relocations []Relocation
}

// ParseImage parses a stage 1 ELF image for the given architecture.
func ParseImage(data []byte, arch sys.Arch) (*Image, error) {
	img, err := parseImage(data, arch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadImage, err)
	}

	return img, nil
}

// ValidateStage2 checks that data is an ELF executable for the given
// architecture. Stage 1 loads it, so its segments are not inspected here.
func ValidateStage2(data []byte, arch sys.Arch) error {
	if err := validateStage2(data, arch); err != nil {
		return fmt.Errorf("%w: stage2: %w", ErrBadImage, err)
	}

	return nil
}

func validateStage2(data []byte, arch sys.Arch) error {
	if len(data) == 0 {
		return errors.New("empty")
	}

	file, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse elf: %w", err)
	}
	defer file.Close()

	if err := sys.ValidateELF(file.FileHeader, arch); err != nil {
		return err //nolint:wrapcheck
	}

	if file.Type != elf.ET_EXEC && file.Type != elf.ET_DYN {
		return fmt.Errorf("file type %s", file.Type)
	}

	return nil
}

func parseImage(data []byte, arch sys.Arch) (*Image, error) {
	file, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}
	defer file.Close()

	if err := sys.ValidateELF(file.FileHeader, arch); err != nil {
		return nil, err //nolint:wrapcheck
	}

	if file.Type != elf.ET_EXEC && file.Type != elf.ET_DYN {
		return nil, fmt.Errorf("file type %s", file.Type)
	}

	img := &Image{
		Type:  file.Type,
		Entry: file.Entry,
	}

	entryOK := false

	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("segment at %#x: file size exceeds memory size", prog.Vaddr)
		}

		segData := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), segData); err != nil {
			return nil, fmt.Errorf("read segment at %#x: %w", prog.Vaddr, err)
		}

		img.Segments = append(img.Segments, Segment{
			Vaddr: prog.Vaddr,
			Memsz: prog.Memsz,
			Flags: prog.Flags,
			Data:  segData,
		})

		if prog.Flags&elf.PF_X != 0 &&
			img.Entry >= prog.Vaddr && img.Entry < prog.Vaddr+prog.Memsz {
			entryOK = true
		}
	}

	if len(img.Segments) == 0 {
		return nil, errors.New("no loadable segment")
	}

	if !entryOK {
		return nil, fmt.Errorf("entry %#x not in an executable segment", img.Entry)
	}

	if file.Type == elf.ET_DYN {
		img.Relocations, err = readRelocations(file)
		if err != nil {
			return nil, err
		}
	}

	return img, nil
}

func readRelocations(file *elf.File) ([]Relocation, error) {
	var relocs []Relocation

	for _, section := range file.Sections {
		if section.Type == elf.SHT_REL {
			return nil, fmt.Errorf("section %s: REL relocations not supported", section.Name)
		}

		if section.Type != elf.SHT_RELA || section.Flags&elf.SHF_ALLOC == 0 {
			continue
		}

		symbols, err := linkedSymbols(file, section)
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", section.Name, err)
		}

		data, err := section.Data()
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", section.Name, err)
		}

		if len(data)%rela64Size != 0 {
			return nil, fmt.Errorf("section %s: bad size %d", section.Name, len(data))
		}

		for off := 0; off < len(data); off += rela64Size {
			var rela elf.Rela64
			if err := binary.Read(bytes.NewReader(data[off:]), file.ByteOrder, &rela); err != nil {
				return nil, fmt.Errorf("section %s: %w", section.Name, err)
			}

			reloc, skip, err := relocation(rela, symbols)
			if err != nil {
				return nil, fmt.Errorf("section %s: %w", section.Name, err)
			}

			if !skip {
				relocs = append(relocs, reloc)
			}
		}
	}

	return relocs, nil
}

func linkedSymbols(file *elf.File, section *elf.Section) ([]elf.Symbol, error) {
	if section.Link == 0 || int(section.Link) >= len(file.Sections) {
		return nil, nil
	}

	var (
		symbols []elf.Symbol
		err     error
	)

	switch file.Sections[section.Link].Type {
	case elf.SHT_DYNSYM:
		symbols, err = file.DynamicSymbols()
	case elf.SHT_SYMTAB:
		symbols, err = file.Symbols()
	default:
		return nil, nil
	}

	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read symbols: %w", err)
	}

	return symbols, nil
}

func relocation(rela elf.Rela64, symbols []elf.Symbol) (Relocation, bool, error) {
	typ := elf.R_X86_64(elf.R_TYPE64(rela.Info))
	reloc := Relocation{
		Offset: rela.Off,
		Type:   typ,
		Addend: rela.Addend,
	}

	switch typ {
	case elf.R_X86_64_NONE:
		return Relocation{}, true, nil
	case elf.R_X86_64_RELATIVE:
		return reloc, false, nil
	case elf.R_X86_64_64, elf.R_X86_64_GLOB_DAT:
		symIdx := elf.R_SYM64(rela.Info)

		// debug/elf omits the null symbol at index 0.
		if symIdx == 0 || int(symIdx) > len(symbols) {
			return Relocation{}, false, fmt.Errorf("%s at %#x: bad symbol %d", typ, rela.Off, symIdx)
		}

		sym := symbols[symIdx-1]
		if sym.Section == elf.SHN_UNDEF {
			return Relocation{}, false, fmt.Errorf("%s at %#x: undefined symbol %s", typ, rela.Off, sym.Name)
		}

		reloc.Symbol = sym.Value

		return reloc, false, nil
	default:
		return Relocation{}, false, fmt.Errorf("unsupported relocation %s at %#x", typ, rela.Off)
	}
}

// Start returns the page aligned lowest virtual address of the image.
func (i *Image) Start() uint64 {
	start := i.Segments[0].Vaddr
	for _, seg := range i.Segments[1:] {
		start = min(start, seg.Vaddr)
	}

	return sys.AlignDown(start, sys.PageSize)
}

// Size returns the page aligned size of the image in memory.
func (i *Image) Size() uint64 {
	var end uint64
	for _, seg := range i.Segments {
		end = max(end, seg.Vaddr+seg.Memsz)
	}

	return sys.AlignUp(end, sys.PageSize) - i.Start()
}

// Relocatable reports whether the image can be loaded at any address.
func (i *Image) Relocatable() bool {
	return i.Type == elf.ET_DYN
}

// EntryAt returns the entry address if the image is loaded at base.
func (i *Image) EntryAt(base uint64) uint64 {
	return i.Entry - i.Start() + base
}

// Load returns the memory image of [Image.Size] bytes with relocations
// applied for the given virtual base address. Non-relocatable images can
// only be loaded at [Image.Start].
func (i *Image) Load(base uint64) ([]byte, error) {
	start := i.Start()

	if !i.Relocatable() && base != start {
		return nil, fmt.Errorf("%w: fixed image at %#x loaded at %#x", ErrBadImage, start, base)
	}

	mem := make([]byte, i.Size())

	for _, seg := range i.Segments {
		copy(mem[seg.Vaddr-start:], seg.Data)
	}

	bias := base - start

	for _, reloc := range i.Relocations {
		if reloc.Offset < start || reloc.Offset+8 > start+uint64(len(mem)) {
			return nil, fmt.Errorf("%w: relocation at %#x outside of image", ErrBadImage, reloc.Offset)
		}

		var value uint64

		switch reloc.Type {
		case elf.R_X86_64_RELATIVE:
			value = bias + uint64(reloc.Addend) //nolint:gosec
		case elf.R_X86_64_64:
			value = reloc.Symbol + bias + uint64(reloc.Addend) //nolint:gosec
		case elf.R_X86_64_GLOB_DAT:
			value = reloc.Symbol + bias
		default:
			return nil, fmt.Errorf("%w: unsupported relocation %s", ErrBadImage, reloc.Type)
		}

		binary.LittleEndian.PutUint64(mem[reloc.Offset-start:], value)
	}

	return mem, nil
}
