// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package guestmem_test

import (
	"sync"
	"testing"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lowHVA  = 0x7f00_0000_0000
	highHVA = 0x7f00_0001_0000
)

func newTranslator(t *testing.T, guard guestmem.Guard) (*guestmem.Translator, *guestmem.BufferMemory) {
	t.Helper()

	mem := guestmem.NewBufferMemory(lowHVA, 0x20000)

	translator, err := guestmem.NewTranslator(mem, guard, []guestmem.Region{
		{GPA: 0x10000, Size: 0x1000, HVA: highHVA},
		{GPA: 0, Size: 0x2000, HVA: lowHVA},
		{GPA: 0x20000, Size: 0x1000, HVA: highHVA + 0x1000, ReadOnly: true},
	})
	require.NoError(t, err)

	return translator, mem
}

func TestTranslate(t *testing.T) {
	translator, _ := newTranslator(t, guestmem.Attached)

	tests := []struct {
		name        string
		gpa         uint64
		n           uint64
		expectedHVA uint64
		expectedErr error
	}{
		{name: "start", gpa: 0, n: 8, expectedHVA: lowHVA},
		{name: "inside", gpa: 0x1ff0, n: 0x10, expectedHVA: lowHVA + 0x1ff0},
		{name: "second region", gpa: 0x10800, n: 4, expectedHVA: highHVA + 0x800},
		{name: "crossing end", gpa: 0x1ff8, n: 0x10, expectedErr: guestmem.ErrOutOfRange},
		{name: "gap", gpa: 0x8000, n: 1, expectedErr: guestmem.ErrOutOfRange},
		{name: "beyond all", gpa: 0x100000, n: 1, expectedErr: guestmem.ErrOutOfRange},
		{name: "overflow", gpa: 0x10, n: ^uint64(0), expectedErr: guestmem.ErrOutOfRange},
		{name: "zero length", gpa: 0x1000, n: 0, expectedHVA: lowHVA + 0x1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hr, err := translator.Translate(tt.gpa, tt.n)
			require.ErrorIs(t, err, tt.expectedErr)

			if tt.expectedErr == nil {
				assert.Equal(t, tt.expectedHVA, hr.HVA)
				assert.Equal(t, tt.n, hr.Len)
			} else {
				require.ErrorIs(t, err, &guestmem.RangeError{})
			}
		})
	}
}

func TestReadWrite(t *testing.T) {
	translator, mem := newTranslator(t, guestmem.Attached)

	require.NoError(t, translator.Write(0x10, []byte("stage1")))
	assert.Equal(t, []byte("stage1"), mem.Data[0x10:0x16])

	data, err := translator.Read(0x10, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("stage1"), data)

	require.NoError(t, translator.WriteUint64(0x10008, 0x1122334455667788))
	assert.Equal(t, byte(0x88), mem.Data[0x10008])

	v64, err := translator.ReadUint64(0x10008)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v64)

	require.NoError(t, translator.WriteUint32(0x20, 0xdeadbeef))
	v32, err := translator.ReadUint32(0x20)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v32)

	require.NoError(t, translator.WriteUint16(0x30, 0xcafe))
	v16, err := translator.ReadUint16(0x30)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xcafe), v16)
}

func TestWriteReadOnly(t *testing.T) {
	translator, mem := newTranslator(t, guestmem.Attached)

	err := translator.Write(0x20000, []byte{1})
	require.ErrorIs(t, err, guestmem.ErrReadOnly)
	assert.Equal(t, byte(0), mem.Data[0x11000])

	_, err = translator.Read(0x20000, 1)
	require.NoError(t, err)
}

func TestCrossRegionWriteNotPartial(t *testing.T) {
	translator, mem := newTranslator(t, guestmem.Attached)

	err := translator.Write(0x1ffc, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.ErrorIs(t, err, guestmem.ErrOutOfRange)
	assert.Equal(t, []byte{0, 0, 0, 0}, mem.Data[0x1ffc:0x2000])
}

func TestNotAttached(t *testing.T) {
	attached := true
	translator, _ := newTranslator(t, guestmem.GuardFunc(func() bool {
		return attached
	}))

	require.NoError(t, translator.Write(0, []byte{1}))

	attached = false

	err := translator.Write(0, []byte{1})
	require.ErrorIs(t, err, guestmem.ErrNotAttached)

	_, err = translator.Read(0, 1)
	require.ErrorIs(t, err, guestmem.ErrNotAttached)
}

func TestOverlappingRegions(t *testing.T) {
	mem := guestmem.NewBufferMemory(lowHVA, 0x1000)

	_, err := guestmem.NewTranslator(mem, guestmem.Attached, []guestmem.Region{
		{GPA: 0, Size: 0x2000, HVA: lowHVA},
		{GPA: 0x1000, Size: 0x1000, HVA: lowHVA},
	})
	require.ErrorIs(t, err, guestmem.ErrOverlap)
}

func TestRegionUpdates(t *testing.T) {
	translator, _ := newTranslator(t, guestmem.Attached)

	_, err := translator.Translate(0xd000_0000, 8)
	require.ErrorIs(t, err, guestmem.ErrOutOfRange)

	require.NoError(t, translator.AddRegion(guestmem.Region{
		GPA:  0xd000_0000,
		Size: 0x1000,
		HVA:  lowHVA + 0x3000,
		Slot: 9,
	}))

	hr, err := translator.Translate(0xd000_0000, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(lowHVA+0x3000), hr.HVA)
	assert.Equal(t, uint32(9), hr.Region.Slot)

	err = translator.AddRegion(guestmem.Region{GPA: 0x1000, Size: 0x10})
	require.ErrorIs(t, err, guestmem.ErrOverlap)

	translator.RemoveRegion(0xd000_0000)

	_, err = translator.Translate(0xd000_0000, 8)
	require.ErrorIs(t, err, guestmem.ErrOutOfRange)

	require.NoError(t, translator.SetRegions(nil))
	assert.Empty(t, translator.Regions())
}

func TestConcurrentAccess(t *testing.T) {
	translator, _ := guestmem.NewTestTranslator(0x10000)

	var wg sync.WaitGroup

	for idx := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			gpa := uint64(idx) * 0x1000
			for range 100 {
				assert.NoError(t, translator.WriteUint32(gpa, uint32(idx)))
			}
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		for range 100 {
			assert.NoError(t, translator.SetRegions(translator.Regions()))
		}
	}()

	wg.Wait()

	for idx := range 8 {
		v, err := translator.ReadUint32(uint64(idx) * 0x1000)
		require.NoError(t, err)
		assert.Equal(t, uint32(idx), v)
	}
}
