// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kvm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Sizes of the ABI structures in bytes.
const (
	RegsSize  = 144
	SRegsSize = 312
)

// Regs is struct kvm_regs on x86-64.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (r *Regs) MarshalBinary() ([]byte, error) {
	return marshal(r, RegsSize)
}

// UnmarshalBinary implements [encoding.BinaryUnmarshaler].
func (r *Regs) UnmarshalBinary(data []byte) error {
	return unmarshal(data, r, RegsSize)
}

// Segment is struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable is struct kvm_dtable.
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// SRegs is struct kvm_sregs on x86-64.
type SRegs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	APICBase               uint64
	InterruptBitmap        [4]uint64
}

const (
	cr0PG      = 1 << 31
	cr4PAE     = 1 << 5
	cr4LA57    = 1 << 12
	eferLMA    = 1 << 10
	cr3PFNMask = 0x000f_ffff_ffff_f000
)

// MarshalBinary implements [encoding.BinaryMarshaler].
func (s *SRegs) MarshalBinary() ([]byte, error) {
	return marshal(s, SRegsSize)
}

// UnmarshalBinary implements [encoding.BinaryUnmarshaler].
func (s *SRegs) UnmarshalBinary(data []byte) error {
	return unmarshal(data, s, SRegsSize)
}

// LongMode reports whether the vCPU runs with 4-level paging in 64 bit mode.
func (s *SRegs) LongMode() bool {
	return s.EFER&eferLMA != 0 &&
		s.CR0&cr0PG != 0 &&
		s.CR4&cr4PAE != 0 &&
		s.CR4&cr4LA57 == 0
}

// CPL returns the current privilege level.
func (s *SRegs) CPL() uint8 {
	return uint8(s.CS.Selector & 0x3) //nolint:gosec
}

// PageTableRoot returns the guest-physical address of the top level page
// table.
func (s *SRegs) PageTableRoot() uint64 {
	return s.CR3 & cr3PFNMask
}

func marshal(v any, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))

	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	return buf.Bytes(), nil
}

func unmarshal(data []byte, v any, size int) error {
	if len(data) != size {
		return fmt.Errorf("%w: %d bytes, want %d", ErrInvalidSize, len(data), size)
	}

	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	return nil
}
