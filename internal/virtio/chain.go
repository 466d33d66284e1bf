// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtio

import (
	"fmt"

	"github.com/aibor/vmgraft/internal/guestmem"
)

// Buffer is a guest buffer referenced by a descriptor.
type Buffer struct {
	GPA uint64
	Len uint32
}

// Buffers is a scatter-gather list.
type Buffers []Buffer

// Len returns the total length of all buffers.
func (b Buffers) Len() uint64 {
	var total uint64
	for _, buf := range b {
		total += uint64(buf.Len)
	}

	return total
}

// Gather reads n bytes starting at offset off of the list.
func (b Buffers) Gather(mem *guestmem.Translator, off uint64, n int) ([]byte, error) {
	data := make([]byte, n)

	if err := b.GatherInto(mem, off, data); err != nil {
		return nil, err
	}

	return data, nil
}

// GatherInto reads len(data) bytes starting at offset off of the list into
// data.
func (b Buffers) GatherInto(mem *guestmem.Translator, off uint64, data []byte) error {
	if off+uint64(len(data)) > b.Len() {
		return fmt.Errorf("gather %d bytes at %d of %d", len(data), off, b.Len())
	}

	return b.walk(off, uint64(len(data)), func(gpa, length, pos uint64) error {
		return mem.ReadInto(gpa, data[pos:pos+length]) //nolint:wrapcheck
	})
}

// Scatter writes data starting at offset off of the list.
func (b Buffers) Scatter(mem *guestmem.Translator, off uint64, data []byte) error {
	if off+uint64(len(data)) > b.Len() {
		return fmt.Errorf("scatter %d bytes at %d of %d", len(data), off, b.Len())
	}

	return b.walk(off, uint64(len(data)), func(gpa, length, pos uint64) error {
		return mem.Write(gpa, data[pos:pos+length]) //nolint:wrapcheck
	})
}

// Slice returns the list covering [off, off+n). n is clipped to the end of
// the list.
func (b Buffers) Slice(off, n uint64) Buffers {
	if total := b.Len(); off >= total {
		return nil
	} else if n > total-off {
		n = total - off
	}

	var sliced Buffers

	_ = b.walk(off, n, func(gpa, length, _ uint64) error {
		sliced = append(sliced, Buffer{GPA: gpa, Len: uint32(length)}) //nolint:gosec
		return nil
	})

	return sliced
}

// walk calls fn for each buffer piece of [off, off+n) with its position in
// the range.
func (b Buffers) walk(off, n uint64, fn func(gpa, length, pos uint64) error) error {
	var pos uint64

	for _, buf := range b {
		if pos == n {
			break
		}

		bufLen := uint64(buf.Len)
		if off >= bufLen {
			off -= bufLen
			continue
		}

		length := min(bufLen-off, n-pos)
		if err := fn(buf.GPA+off, length, pos); err != nil {
			return err
		}

		pos += length
		off = 0
	}

	return nil
}

// Chain is a resolved descriptor chain. Readable buffers are written by the
// driver, writable ones by the device.
type Chain struct {
	Head     uint16
	Readable Buffers
	Writable Buffers
}
