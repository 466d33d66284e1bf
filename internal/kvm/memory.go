// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kvm

// Sizes of the ABI structures in bytes.
const (
	UserspaceMemoryRegionSize = 32
	IoEventFdSize             = 64
	IrqFdSize                 = 32
)

// Flags for [UserspaceMemoryRegion].
const (
	MemLogDirtyPages = 1 << 0
	MemReadOnly      = 1 << 1
)

// UserspaceMemoryRegion is struct kvm_userspace_memory_region. A MemorySize
// of 0 removes the slot.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (m *UserspaceMemoryRegion) MarshalBinary() ([]byte, error) {
	return marshal(m, UserspaceMemoryRegionSize)
}

// UnmarshalBinary implements [encoding.BinaryUnmarshaler].
func (m *UserspaceMemoryRegion) UnmarshalBinary(data []byte) error {
	return unmarshal(data, m, UserspaceMemoryRegionSize)
}

// Flags for [IoEventFdArg].
const (
	IoEventFdFlagDatamatch = 1 << 0
	IoEventFdFlagPIO       = 1 << 1
	IoEventFdFlagDeassign  = 1 << 2
)

// IoEventFdArg is struct kvm_ioeventfd.
type IoEventFdArg struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]uint8
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (e *IoEventFdArg) MarshalBinary() ([]byte, error) {
	return marshal(e, IoEventFdSize)
}

// Flags for [IrqFdArg].
const (
	IrqFdFlagDeassign = 1 << 0
)

// IrqFdArg is struct kvm_irqfd.
type IrqFdArg struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	_          [16]uint8
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (i *IrqFdArg) MarshalBinary() ([]byte, error) {
	return marshal(i, IrqFdSize)
}
