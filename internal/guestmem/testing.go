// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package guestmem

import (
	"fmt"
	"io"
	"sync"
)

// BufferMemory is an in-process [Memory] for tests. Host virtual addresses
// start at Base. Accesses through ReadAt and WriteAt are safe for concurrent
// use.
type BufferMemory struct {
	mu sync.Mutex

	Base uint64
	Data []byte

	// Err is returned by all accesses if set.
	Err error
}

// NewBufferMemory returns a zeroed [BufferMemory] of the given size.
func NewBufferMemory(base, size uint64) *BufferMemory {
	return &BufferMemory{Base: base, Data: make([]byte, size)}
}

func (m *BufferMemory) slice(n int, off int64) ([]byte, error) {
	if m.Err != nil {
		return nil, m.Err
	}

	addr := uint64(off) //nolint:gosec
	if addr < m.Base || addr-m.Base+uint64(n) > uint64(len(m.Data)) {
		return nil, fmt.Errorf("hva %#x+%d: %w", addr, n, io.ErrUnexpectedEOF)
	}

	return m.Data[addr-m.Base : addr-m.Base+uint64(n)], nil
}

// ReadAt implements [io.ReaderAt].
func (m *BufferMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, err := m.slice(len(p), off)
	if err != nil {
		return 0, err
	}

	return copy(p, buf), nil
}

// WriteAt implements [io.WriterAt].
func (m *BufferMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, err := m.slice(len(p), off)
	if err != nil {
		return 0, err
	}

	return copy(buf, p), nil
}

// Attached is a [Guard] that always allows access.
var Attached Guard = GuardFunc(func() bool { return true })

// NewTestTranslator returns a [Translator] with a single region of the given
// size at GPA 0 backed by a new [BufferMemory].
func NewTestTranslator(size uint64) (*Translator, *BufferMemory) {
	const base = 0x7f00_0000_0000

	mem := NewBufferMemory(base, size)

	translator, err := NewTranslator(mem, Attached, []Region{
		{GPA: 0, Size: size, HVA: base},
	})
	if err != nil {
		panic(err)
	}

	return translator, mem
}
