// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kvm

import (
	"encoding/binary"
	"fmt"
)

// ExitMMIO is the exit reason in struct kvm_run of MMIO accesses.
const ExitMMIO = 6

// Offsets into struct kvm_run.
const (
	runExitReasonOffset = 8
	runMMIOOffset       = 32
	mmioDataOffset      = runMMIOOffset + 8
	mmioLenOffset       = runMMIOOffset + 16
	mmioIsWriteOffset   = runMMIOOffset + 20

	// RunHeaderSize is the size of the part of struct kvm_run that is
	// decoded.
	RunHeaderSize = mmioIsWriteOffset + 4

	// MaxMMIOLen is the maximum access width of an MMIO exit.
	MaxMMIOLen = 8
)

// MMIOExit describes a KVM_EXIT_MMIO exit.
type MMIOExit struct {
	PhysAddr uint64
	Data     [MaxMMIOLen]byte
	Len      uint32
	IsWrite  bool
}

// Bytes returns the valid part of the data.
func (m *MMIOExit) Bytes() []byte {
	return m.Data[:min(m.Len, MaxMMIOLen)]
}

// ExitReason returns the exit reason of a kvm_run header.
func ExitReason(run []byte) (uint32, error) {
	if len(run) < RunHeaderSize {
		return 0, fmt.Errorf("%w: kvm_run of %d bytes", ErrInvalidSize, len(run))
	}

	return binary.LittleEndian.Uint32(run[runExitReasonOffset:]), nil
}

// DecodeMMIO decodes the MMIO exit of a kvm_run header.
func DecodeMMIO(run []byte) (MMIOExit, error) {
	reason, err := ExitReason(run)
	if err != nil {
		return MMIOExit{}, err
	}

	if reason != ExitMMIO {
		return MMIOExit{}, fmt.Errorf("%w: %d", ErrUnexpectedExit, reason)
	}

	exit := MMIOExit{
		PhysAddr: binary.LittleEndian.Uint64(run[runMMIOOffset:]),
		Len:      binary.LittleEndian.Uint32(run[mmioLenOffset:]),
		IsWrite:  run[mmioIsWriteOffset] != 0,
	}

	if exit.Len == 0 || exit.Len > MaxMMIOLen {
		return MMIOExit{}, fmt.Errorf("%w: mmio length %d", ErrInvalidSize, exit.Len)
	}

	copy(exit.Data[:], run[mmioDataOffset:mmioDataOffset+MaxMMIOLen])

	return exit, nil
}

// MMIODataOffset is the offset of the data field of the MMIO exit in struct
// kvm_run. Data for read accesses is stored there before the vCPU enters
// KVM_RUN again.
const MMIODataOffset = mmioDataOffset
