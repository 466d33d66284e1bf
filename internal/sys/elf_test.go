// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sys_test

import (
	"debug/elf"
	"testing"

	"github.com/aibor/vmgraft/internal/sys"
	"github.com/stretchr/testify/require"
)

func TestValidateELF(t *testing.T) {
	tests := []struct {
		name        string
		hdr         elf.FileHeader
		arch        sys.Arch
		expectedErr error
	}{
		{
			name: "amd64 linux",
			hdr: elf.FileHeader{
				Class:   elf.ELFCLASS64,
				OSABI:   elf.ELFOSABI_LINUX,
				Machine: elf.EM_X86_64,
			},
			arch: sys.AMD64,
		},
		{
			name: "amd64 sysv",
			hdr: elf.FileHeader{
				Class:   elf.ELFCLASS64,
				OSABI:   elf.ELFOSABI_NONE,
				Machine: elf.EM_X86_64,
			},
			arch: sys.AMD64,
		},
		{
			name: "wrong osabi",
			hdr: elf.FileHeader{
				Class:   elf.ELFCLASS64,
				OSABI:   elf.ELFOSABI_FREEBSD,
				Machine: elf.EM_X86_64,
			},
			arch:        sys.AMD64,
			expectedErr: sys.ErrOSABINotSupported,
		},
		{
			name: "32 bit",
			hdr: elf.FileHeader{
				Class:   elf.ELFCLASS32,
				OSABI:   elf.ELFOSABI_LINUX,
				Machine: elf.EM_386,
			},
			arch:        sys.AMD64,
			expectedErr: sys.ErrClassNotSupported,
		},
		{
			name: "machine mismatch",
			hdr: elf.FileHeader{
				Class:   elf.ELFCLASS64,
				OSABI:   elf.ELFOSABI_LINUX,
				Machine: elf.EM_AARCH64,
			},
			arch:        sys.AMD64,
			expectedErr: sys.ErrMachineNotSupported,
		},
		{
			name: "unknown arch",
			hdr: elf.FileHeader{
				Class:   elf.ELFCLASS64,
				OSABI:   elf.ELFOSABI_LINUX,
				Machine: elf.EM_X86_64,
			},
			arch:        sys.Arch("mips"),
			expectedErr: sys.ErrArchNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sys.ValidateELF(tt.hdr, tt.arch)
			require.ErrorIs(t, err, tt.expectedErr)
		})
	}
}
