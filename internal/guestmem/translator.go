// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package guestmem

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"sync"
)

// Memory is the host side of guest memory, addressed by host virtual
// addresses of the hypervisor process.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Guard reports whether memory access is currently allowed.
type Guard interface {
	Attached() bool
}

// GuardFunc turns a function into a [Guard].
type GuardFunc func() bool

// Attached implements [Guard].
func (f GuardFunc) Attached() bool {
	return f()
}

// HostRange is the host location of a guest memory range.
type HostRange struct {
	HVA    uint64
	Len    uint64
	Region Region
}

// Translator resolves guest-physical addresses with the current region list.
//
// It is safe for concurrent use. The region list can be swapped at any time;
// every access looks it up anew.
type Translator struct {
	mu      sync.RWMutex
	regions []Region
	mem     Memory
	guard   Guard
}

// NewTranslator creates a new [Translator] for the given regions.
func NewTranslator(mem Memory, guard Guard, regions []Region) (*Translator, error) {
	sorted, err := sortRegions(regions)
	if err != nil {
		return nil, err
	}

	return &Translator{
		regions: sorted,
		mem:     mem,
		guard:   guard,
	}, nil
}

// Regions returns a copy of the current region list, sorted by GPA.
func (t *Translator) Regions() []Region {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slices.Clone(t.regions)
}

// SetRegions replaces the region list.
func (t *Translator) SetRegions(regions []Region) error {
	sorted, err := sortRegions(regions)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.regions = sorted
	t.mu.Unlock()

	return nil
}

// AddRegion adds a region, for example a memory slot created for injected
// code.
func (t *Translator) AddRegion(region Region) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sorted, err := sortRegions(append(slices.Clone(t.regions), region))
	if err != nil {
		return err
	}

	t.regions = sorted

	return nil
}

// RemoveRegion removes the region starting at the given GPA. It is a no-op if
// there is none.
func (t *Translator) RemoveRegion(gpa uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.regions = slices.DeleteFunc(t.regions, func(r Region) bool {
		return r.GPA == gpa
	})
}

// Translate resolves [gpa, gpa+n) into host memory. The range must be fully
// contained in one region.
func (t *Translator) Translate(gpa, n uint64) (HostRange, error) {
	if !t.guard.Attached() {
		return HostRange{}, &RangeError{GPA: gpa, Len: n, Err: ErrNotAttached}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, region := range t.regions {
		if region.contains(gpa, n) {
			return HostRange{
				HVA:    region.HVA + (gpa - region.GPA),
				Len:    n,
				Region: region,
			}, nil
		}
	}

	return HostRange{}, &RangeError{GPA: gpa, Len: n, Err: ErrOutOfRange}
}

// ReadInto fills buf from guest memory starting at gpa.
func (t *Translator) ReadInto(gpa uint64, buf []byte) error {
	hr, err := t.Translate(gpa, uint64(len(buf)))
	if err != nil {
		return err
	}

	if len(buf) == 0 {
		return nil
	}

	n, err := t.mem.ReadAt(buf, int64(hr.HVA)) //nolint:gosec
	if err != nil {
		return fmt.Errorf("read gpa %#x: %w", gpa, err)
	}

	if n != len(buf) {
		return fmt.Errorf("read gpa %#x: %w", gpa, ErrShortTransfer)
	}

	return nil
}

// Read returns n bytes of guest memory starting at gpa.
func (t *Translator) Read(gpa uint64, n int) ([]byte, error) {
	buf := make([]byte, n)

	if err := t.ReadInto(gpa, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// Write copies data into guest memory starting at gpa.
func (t *Translator) Write(gpa uint64, data []byte) error {
	hr, err := t.Translate(gpa, uint64(len(data)))
	if err != nil {
		return err
	}

	if hr.Region.ReadOnly {
		return &RangeError{GPA: gpa, Len: hr.Len, Err: ErrReadOnly}
	}

	if len(data) == 0 {
		return nil
	}

	n, err := t.mem.WriteAt(data, int64(hr.HVA)) //nolint:gosec
	if err != nil {
		return fmt.Errorf("write gpa %#x: %w", gpa, err)
	}

	if n != len(data) {
		return fmt.Errorf("write gpa %#x: %w", gpa, ErrShortTransfer)
	}

	return nil
}

// ReadUint16 reads a little-endian uint16.
func (t *Translator) ReadUint16(gpa uint64) (uint16, error) {
	var buf [2]byte
	if err := t.ReadInto(gpa, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadUint32 reads a little-endian uint32.
func (t *Translator) ReadUint32(gpa uint64) (uint32, error) {
	var buf [4]byte
	if err := t.ReadInto(gpa, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian uint64.
func (t *Translator) ReadUint64(gpa uint64) (uint64, error) {
	var buf [8]byte
	if err := t.ReadInto(gpa, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint16 writes a little-endian uint16.
func (t *Translator) WriteUint16(gpa uint64, v uint16) error {
	return t.Write(gpa, binary.LittleEndian.AppendUint16(nil, v))
}

// WriteUint32 writes a little-endian uint32.
func (t *Translator) WriteUint32(gpa uint64, v uint32) error {
	return t.Write(gpa, binary.LittleEndian.AppendUint32(nil, v))
}

// WriteUint64 writes a little-endian uint64.
func (t *Translator) WriteUint64(gpa uint64, v uint64) error {
	return t.Write(gpa, binary.LittleEndian.AppendUint64(nil, v))
}
