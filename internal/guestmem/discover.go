// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package guestmem

import (
	"github.com/aibor/vmgraft/internal/proc"
)

const (
	// DefaultLowMemLimit is where x86 machine models split guest RAM if it
	// does not fit below the PCI hole.
	DefaultLowMemLimit = 3 << 30

	// highMemStart is where RAM above the PCI hole continues.
	highMemStart = 4 << 30
)

// Discover derives the guest memory regions from the mappings of the
// hypervisor process.
//
// The largest anonymous read-write mapping is assumed to be guest RAM
// starting at GPA 0. If it is larger than lowMemLimit, the remainder is
// mapped at 4 GiB.
func Discover(mappings []proc.Mapping, lowMemLimit uint64) ([]Region, error) {
	var ram *proc.Mapping

	for idx, mapping := range mappings {
		if !mapping.Readable() || !mapping.Writable() || !mapping.Anonymous() {
			continue
		}

		// Stack, heap and vdso are anonymous, too.
		if len(mapping.Path) > 0 && mapping.Path[0] == '[' {
			continue
		}

		if ram == nil || mapping.Size() > ram.Size() {
			ram = &mappings[idx]
		}
	}

	if ram == nil {
		return nil, ErrNoGuestRAM
	}

	if lowMemLimit == 0 || ram.Size() <= lowMemLimit {
		return []Region{{GPA: 0, Size: ram.Size(), HVA: ram.Start}}, nil
	}

	return []Region{
		{GPA: 0, Size: lowMemLimit, HVA: ram.Start, Slot: 0},
		{
			GPA:  highMemStart,
			Size: ram.Size() - lowMemLimit,
			HVA:  ram.Start + lowMemLimit,
			Slot: 1,
		},
	}, nil
}
