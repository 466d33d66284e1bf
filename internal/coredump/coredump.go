// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package coredump

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/aibor/vmgraft/internal/sys"
)

const (
	headerSize   = 64
	progSize     = 56
	chunkSize    = 1 << 20
	segmentAlign = sys.PageSize
)

// ErrNoRegions is returned for dumps without memory.
var ErrNoRegions = errors.New("no memory regions")

// VCPU is the register state of a vCPU.
type VCPU struct {
	Index int

	// TID is the thread running the vCPU. The vCPU index is used as thread
	// id in the dump if it is 0.
	TID int

	Regs  kvm.Regs
	SRegs kvm.SRegs
}

func (v VCPU) threadID() int {
	if v.TID != 0 {
		return v.TID
	}

	return v.Index + 1
}

// Dump is the guest state to write.
type Dump struct {
	VCPUs   []VCPU
	Regions []guestmem.Region
}

type segment struct {
	region guestmem.Region
	offset uint64
}

// Write writes the dump as ELF core file to w. Memory is read through mem
// region by region.
func Write(w io.Writer, mem *guestmem.Translator, dump Dump) (int64, error) {
	if len(dump.Regions) == 0 {
		return 0, ErrNoRegions
	}

	notesOffset := uint64(headerSize + progSize*(1+len(dump.Regions)))
	notesSize := uint64(noteSize * len(dump.VCPUs))

	segments := make([]segment, 0, len(dump.Regions))
	offset := sys.AlignUp(notesOffset+notesSize, segmentAlign)

	for _, region := range dump.Regions {
		segments = append(segments, segment{region: region, offset: offset})
		offset += sys.AlignUp(region.Size, segmentAlign)
	}

	var head bytes.Buffer

	writeHeader(&head, len(segments)+1)
	writeProg(&head, elf.Prog64{
		Type:   uint32(elf.PT_NOTE),
		Off:    notesOffset,
		Filesz: notesSize,
		Align:  4,
	})

	for _, seg := range segments {
		flags := elf.PF_R | elf.PF_W | elf.PF_X
		if seg.region.ReadOnly {
			flags &^= elf.PF_W
		}

		writeProg(&head, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(flags),
			Off:    seg.offset,
			Vaddr:  seg.region.GPA,
			Paddr:  seg.region.GPA,
			Filesz: seg.region.Size,
			Memsz:  seg.region.Size,
			Align:  segmentAlign,
		})
	}

	for _, vcpu := range dump.VCPUs {
		head.Write(prstatusNote(vcpu, uint32(elf.NT_PRSTATUS)))
	}

	counter := &countingWriter{w: w}

	if _, err := head.WriteTo(counter); err != nil {
		return counter.n, fmt.Errorf("write header: %w", err)
	}

	for _, seg := range segments {
		if err := padTo(counter, seg.offset); err != nil {
			return counter.n, err
		}

		if err := writeRegion(counter, mem, seg.region); err != nil {
			return counter.n, err
		}
	}

	if err := padTo(counter, offset); err != nil {
		return counter.n, err
	}

	slog.Debug("Core dump written",
		slog.Int("vcpus", len(dump.VCPUs)),
		slog.Int("regions", len(dump.Regions)),
		slog.Int64("size", counter.n))

	return counter.n, nil
}

func writeHeader(buf *bytes.Buffer, numProgs int) {
	var ident [elf.EI_NIDENT]byte

	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(numProgs), //nolint:gosec
	}

	// Writes into a bytes.Buffer do not fail.
	_ = binary.Write(buf, binary.LittleEndian, hdr)
}

func writeProg(buf *bytes.Buffer, prog elf.Prog64) {
	_ = binary.Write(buf, binary.LittleEndian, prog)
}

func writeRegion(w io.Writer, mem *guestmem.Translator, region guestmem.Region) error {
	buf := make([]byte, min(chunkSize, region.Size))

	for off := uint64(0); off < region.Size; off += uint64(len(buf)) {
		chunk := buf[:min(uint64(len(buf)), region.Size-off)]

		if err := mem.ReadInto(region.GPA+off, chunk); err != nil {
			return fmt.Errorf("read region %s at %#x: %w", region, region.GPA+off, err)
		}

		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("write region %s: %w", region, err)
		}
	}

	return nil
}

func padTo(w *countingWriter, offset uint64) error {
	if uint64(w.n) >= offset { //nolint:gosec
		return nil
	}

	if _, err := io.CopyN(w, zeroReader{}, int64(offset)-w.n); err != nil { //nolint:gosec
		return fmt.Errorf("write padding: %w", err)
	}

	return nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)

	return n, err //nolint:wrapcheck
}
