// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package guestmem

import (
	"fmt"
	"slices"

	"github.com/aibor/vmgraft/internal/sys"
)

// Region maps a contiguous guest-physical range to host virtual memory of
// the hypervisor process.
type Region struct {
	GPA      uint64 `yaml:"gpa"`
	Size     uint64 `yaml:"size"`
	HVA      uint64 `yaml:"hva"`
	Slot     uint32 `yaml:"slot"`
	ReadOnly bool   `yaml:"read_only"`
}

// End returns the first guest-physical address after the region.
func (r Region) End() uint64 {
	return r.GPA + r.Size
}

// contains reports whether [gpa, gpa+n) is inside the region.
func (r Region) contains(gpa, n uint64) bool {
	if gpa < r.GPA || gpa >= r.End() {
		return false
	}

	// Guards against overflow of gpa+n.
	return n <= r.End()-gpa
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x-%#x) -> %#x", r.GPA, r.End(), r.HVA)
}

// sortRegions returns a copy sorted by GPA and fails on overlaps.
func sortRegions(regions []Region) ([]Region, error) {
	sorted := slices.Clone(regions)
	slices.SortFunc(sorted, func(a, b Region) int {
		switch {
		case a.GPA < b.GPA:
			return -1
		case a.GPA > b.GPA:
			return 1
		default:
			return 0
		}
	})

	for idx := 1; idx < len(sorted); idx++ {
		prev, cur := sorted[idx-1], sorted[idx]
		if sys.Overlaps(prev.GPA, prev.Size, cur.GPA, cur.Size) {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlap, prev, cur)
		}
	}

	return sorted, nil
}

// Highest returns the end of the highest region.
func Highest(regions []Region) uint64 {
	var end uint64

	for _, region := range regions {
		end = max(end, region.End())
	}

	return end
}
