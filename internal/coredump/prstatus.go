// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package coredump

import (
	"encoding/binary"

	"github.com/aibor/vmgraft/internal/kvm"
)

// Layout of struct elf_prstatus on x86-64.
const (
	prstatusSize      = 336
	prstatusPIDOffset = 32
	prstatusRegOffset = 112
	noteName          = "CORE"
	noteNameSize      = 8
	noteHeaderSize    = 12
	noteSize          = noteHeaderSize + noteNameSize + prstatusSize
)

// userRegs returns the registers in the order of struct user_regs_struct.
func userRegs(regs kvm.Regs, sregs kvm.SRegs) [27]uint64 {
	return [27]uint64{
		regs.R15, regs.R14, regs.R13, regs.R12,
		regs.RBP, regs.RBX, regs.R11, regs.R10,
		regs.R9, regs.R8, regs.RAX, regs.RCX,
		regs.RDX, regs.RSI, regs.RDI,
		^uint64(0), // orig_rax
		regs.RIP,
		uint64(sregs.CS.Selector),
		regs.RFLAGS,
		regs.RSP,
		uint64(sregs.SS.Selector),
		sregs.FS.Base,
		sregs.GS.Base,
		uint64(sregs.DS.Selector),
		uint64(sregs.ES.Selector),
		uint64(sregs.FS.Selector),
		uint64(sregs.GS.Selector),
	}
}

// prstatusNote encodes a complete NT_PRSTATUS note for the vCPU.
func prstatusNote(vcpu VCPU, noteType uint32) []byte {
	note := make([]byte, noteSize)

	binary.LittleEndian.PutUint32(note[0:], uint32(len(noteName)+1))
	binary.LittleEndian.PutUint32(note[4:], prstatusSize)
	binary.LittleEndian.PutUint32(note[8:], noteType)
	copy(note[noteHeaderSize:], noteName)

	desc := note[noteHeaderSize+noteNameSize:]
	binary.LittleEndian.PutUint32(desc[prstatusPIDOffset:], uint32(vcpu.threadID())) //nolint:gosec

	for idx, reg := range userRegs(vcpu.Regs, vcpu.SRegs) {
		binary.LittleEndian.PutUint64(desc[prstatusRegOffset+8*idx:], reg)
	}

	return note
}
