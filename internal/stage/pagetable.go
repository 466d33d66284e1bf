// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stage

import (
	"encoding/binary"
	"fmt"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/sys"
)

// Paging constants for 4-level paging.
const (
	pteEntries = 512
	pteSize    = 8

	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteHuge     = 1 << 7
	pteAddrMask = 0x000f_ffff_ffff_f000

	pml4Shift = 39
	pdptShift = 30
	pdShift   = 21

	// HugePageSize is the size of the pages mapping the stage.
	HugePageSize = 1 << pdShift

	pdptSpan = 1 << pdptShift

	// First PML4 index of the kernel half.
	kernelHalfIndex = 256

	canonicalHigh = 0xffff_0000_0000_0000
)

// PML4Index returns the PML4 index of the virtual address.
func PML4Index(va uint64) int {
	return int((va >> pml4Shift) % pteEntries)
}

// PML4Base returns the canonical virtual address of the first byte mapped by
// the kernel-half PML4 entry idx.
func PML4Base(idx int) uint64 {
	return canonicalHigh | uint64(idx)<<pml4Shift //nolint:gosec
}

// PML4Entry is a PML4 entry installed to map the stage.
type PML4Entry struct {
	// Root is the guest-physical address of the PML4 table.
	Root  uint64
	Index int

	// Original is the entry value before installation.
	Original uint64
	Value    uint64
}

func (e PML4Entry) addr() uint64 {
	return e.Root + uint64(e.Index)*pteSize //nolint:gosec
}

// FindFreePML4Entry returns the first non-present kernel-half entry of the
// PML4 table at root.
func FindFreePML4Entry(mem *guestmem.Translator, root uint64) (int, error) {
	table, err := mem.Read(root, pteEntries*pteSize)
	if err != nil {
		return 0, fmt.Errorf("read pml4: %w", err)
	}

	for idx := kernelHalfIndex; idx < pteEntries; idx++ {
		if entryAt(table, idx)&ptePresent == 0 {
			return idx, nil
		}
	}

	return 0, fmt.Errorf("%w: no free pml4 entry", ErrNoSpace)
}

// PML4EntryFree reports whether the entry idx of the PML4 table at root is
// not present.
func PML4EntryFree(mem *guestmem.Translator, root uint64, idx int) (bool, error) {
	entry, err := mem.ReadUint64(root + uint64(idx)*pteSize) //nolint:gosec
	if err != nil {
		return false, fmt.Errorf("read pml4 entry %d: %w", idx, err)
	}

	return entry&ptePresent == 0, nil
}

func entryAt(table []byte, idx int) uint64 {
	return binary.LittleEndian.Uint64(table[idx*pteSize:])
}

// BuildTables returns a PDPT and a PD table mapping [va, va+size) to
// [gpa, gpa+size) with huge pages. The tables are to be placed at tablesGPA
// and tablesGPA+[sys.PageSize]. va and gpa must be aligned to
// [HugePageSize] and the range must not cross a PDPT entry.
func BuildTables(va, gpa, size, tablesGPA uint64) ([]byte, error) {
	switch {
	case va%HugePageSize != 0 || gpa%HugePageSize != 0:
		return nil, fmt.Errorf("%w: va %#x or gpa %#x not huge page aligned", ErrNoSpace, va, gpa)
	case size == 0 || va%pdptSpan+size > pdptSpan:
		return nil, fmt.Errorf("%w: %#x bytes at %#x cross a pdpt entry", ErrNoSpace, size, va)
	}

	tables := make([]byte, 2*sys.PageSize)
	pdpt := tables[:sys.PageSize]
	pd := tables[sys.PageSize:]

	putEntry(pdpt, int((va>>pdptShift)%pteEntries), (tablesGPA+sys.PageSize)|ptePresent|pteWritable)

	first := int((va >> pdShift) % pteEntries)
	pages := int(sys.AlignUp(size, HugePageSize) / HugePageSize)

	for page := range pages {
		addr := gpa + uint64(page)*HugePageSize //nolint:gosec
		putEntry(pd, first+page, addr|ptePresent|pteWritable|pteHuge)
	}

	return tables, nil
}

func putEntry(table []byte, idx int, value uint64) {
	binary.LittleEndian.PutUint64(table[idx*pteSize:], value)
}

// InstallPML4Entry points the PML4 entry idx of the table at root to the
// PDPT at pdptGPA. It returns the entry with its original value for
// [RestorePML4Entry].
func InstallPML4Entry(mem *guestmem.Translator, root uint64, idx int, pdptGPA uint64) (PML4Entry, error) {
	entry := PML4Entry{
		Root:  root,
		Index: idx,
		Value: pdptGPA&pteAddrMask | ptePresent | pteWritable,
	}

	original, err := mem.ReadUint64(entry.addr())
	if err != nil {
		return PML4Entry{}, fmt.Errorf("read pml4 entry %d: %w", idx, err)
	}

	if original&ptePresent != 0 {
		return PML4Entry{}, fmt.Errorf("%w: pml4 entry %d in use", ErrNoSpace, idx)
	}

	entry.Original = original

	if err := mem.WriteUint64(entry.addr(), entry.Value); err != nil {
		return PML4Entry{}, fmt.Errorf("write pml4 entry %d: %w", idx, err)
	}

	return entry, nil
}

// RestorePML4Entry writes back the original value of the entry.
func RestorePML4Entry(mem *guestmem.Translator, entry PML4Entry) error {
	if err := mem.WriteUint64(entry.addr(), entry.Original); err != nil {
		return fmt.Errorf("restore pml4 entry %d: %w", entry.Index, err)
	}

	return nil
}
