// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stage

import (
	"fmt"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/sys"
)

// Reservation defaults.
const (
	DefaultReservationAlign = 1 << 30
	DefaultReservationSize  = 1 << 30

	// maxPhysAddr is the limit of 4-level paging guest-physical addresses.
	maxPhysAddr = 1 << 52
)

// Reservation is a range of guest-physical address space that no guest
// memory region uses. Stage memory and device windows are carved from it.
type Reservation struct {
	GPA  uint64
	Size uint64

	next uint64
}

// PlanReservation reserves size bytes of guest-physical address space. If
// addr is 0 the reservation starts at the end of the highest region rounded
// up to [DefaultReservationAlign]. A size of 0 uses
// [DefaultReservationSize].
func PlanReservation(regions []guestmem.Region, addr, size uint64) (*Reservation, error) {
	if size == 0 {
		size = DefaultReservationSize
	}

	if addr == 0 {
		addr = sys.AlignUp(guestmem.Highest(regions), DefaultReservationAlign)
	}

	if addr%sys.PageSize != 0 || size%sys.PageSize != 0 {
		return nil, fmt.Errorf("%w: reservation %#x+%#x not page aligned", ErrNoSpace, addr, size)
	}

	if addr+size < addr || addr+size > maxPhysAddr {
		return nil, fmt.Errorf("%w: reservation %#x+%#x out of address space", ErrNoSpace, addr, size)
	}

	for _, region := range regions {
		if sys.Overlaps(addr, size, region.GPA, region.Size) {
			return nil, fmt.Errorf("%w: reservation %#x+%#x overlaps %s",
				ErrNoSpace, addr, size, region)
		}
	}

	return &Reservation{GPA: addr, Size: size, next: addr}, nil
}

// End returns the first guest-physical address after the reservation.
func (r *Reservation) End() uint64 {
	return r.GPA + r.Size
}

// Alloc carves size bytes aligned to align from the reservation.
func (r *Reservation) Alloc(size, align uint64) (uint64, error) {
	if r.next == 0 {
		r.next = r.GPA
	}

	addr := sys.AlignUp(r.next, align)
	if addr < r.next || size > r.End() || addr > r.End()-size {
		return 0, fmt.Errorf("%w: %#x bytes left in reservation, %#x needed",
			ErrNoSpace, r.End()-r.next, size)
	}

	r.next = addr + size

	return addr, nil
}

// Remaining returns the bytes not allocated yet.
func (r *Reservation) Remaining() uint64 {
	if r.next == 0 {
		return r.Size
	}

	return r.End() - r.next
}

// Free returns the most recent allocation to the reservation. Other ranges
// are not reused.
func (r *Reservation) Free(addr, size uint64) {
	if addr+size == r.next {
		r.next = addr
	}
}
