// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtio

import (
	"encoding/binary"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/sys"
)

// TestBuffer is a buffer added to a [TestRing] by the driver.
type TestBuffer struct {
	GPA      uint64
	Len      uint32
	Writable bool
}

// TestRing plays the driver side of a split virtqueue in guest memory for
// tests. Tests fail by panic on memory errors.
type TestRing struct {
	mem      *guestmem.Translator
	state    QueueState
	nextDesc uint16
	availIdx uint16
}

// NewTestRing lays out a ready queue of the given size at gpa.
func NewTestRing(mem *guestmem.Translator, gpa uint64, size uint16) *TestRing {
	avail := gpa + descSize*uint64(size)
	used := sys.AlignUp(avail+ringHeader+2*uint64(size)+2, 4)

	return &TestRing{
		mem: mem,
		state: QueueState{
			Size:      size,
			Ready:     true,
			DescAddr:  gpa,
			AvailAddr: avail,
			UsedAddr:  used,
		},
	}
}

// State returns the queue state to configure the device with.
func (r *TestRing) State() QueueState {
	return r.state
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// SetDescriptor writes a raw descriptor.
func (r *TestRing) SetDescriptor(idx uint16, gpa uint64, length uint32, flags, next uint16) {
	WriteDescriptor(r.mem, r.state.DescAddr, idx, gpa, length, flags, next)
}

// WriteDescriptor writes a raw descriptor into the table at gpa, for
// example an indirect table.
func WriteDescriptor(mem *guestmem.Translator, table uint64, idx uint16, gpa uint64, length uint32, flags, next uint16) {
	data := make([]byte, descSize)
	binary.LittleEndian.PutUint64(data[0:], gpa)
	binary.LittleEndian.PutUint32(data[8:], length)
	binary.LittleEndian.PutUint16(data[12:], flags)
	binary.LittleEndian.PutUint16(data[14:], next)

	must(mem.Write(table+descSize*uint64(idx), data))
}

// AddChain writes a chain of consecutive descriptors and makes it
// available. It returns the head index.
func (r *TestRing) AddChain(bufs ...TestBuffer) uint16 {
	head := r.nextDesc % r.state.Size

	for pos, buf := range bufs {
		idx := (r.nextDesc + uint16(pos)) % r.state.Size //nolint:gosec

		var flags uint16
		if buf.Writable {
			flags |= DescFlagWrite
		}

		next := uint16(0)
		if pos < len(bufs)-1 {
			flags |= DescFlagNext
			next = (idx + 1) % r.state.Size
		}

		r.SetDescriptor(idx, buf.GPA, buf.Len, flags, next)
	}

	r.nextDesc += uint16(len(bufs)) //nolint:gosec
	r.Publish(head)

	return head
}

// Publish makes the chain with the given head available.
func (r *TestRing) Publish(head uint16) {
	must(r.mem.WriteUint16(r.state.AvailAddr+ringHeader+2*uint64(r.availIdx%r.state.Size), head))
	r.availIdx++
	must(r.mem.WriteUint16(r.state.AvailAddr+2, r.availIdx))
}

// SetAvailIdx overwrites the available index.
func (r *TestRing) SetAvailIdx(idx uint16) {
	r.availIdx = idx
	must(r.mem.WriteUint16(r.state.AvailAddr+2, idx))
}

// SetAvailFlags writes the available ring flags.
func (r *TestRing) SetAvailFlags(flags uint16) {
	must(r.mem.WriteUint16(r.state.AvailAddr, flags))
}

// SetUsedEvent writes the used event index.
func (r *TestRing) SetUsedEvent(idx uint16) {
	must(r.mem.WriteUint16(r.state.AvailAddr+ringHeader+2*uint64(r.state.Size), idx))
}

// AvailEvent reads the available event index.
func (r *TestRing) AvailEvent() uint16 {
	v, err := r.mem.ReadUint16(r.state.UsedAddr + ringHeader + usedElemSize*uint64(r.state.Size))
	must(err)

	return v
}

// UsedIdx reads the used index.
func (r *TestRing) UsedIdx() uint16 {
	v, err := r.mem.ReadUint16(r.state.UsedAddr + 2)
	must(err)

	return v
}

// Used reads the used element at position idx.
func (r *TestRing) Used(idx uint16) (uint32, uint32) {
	addr := r.state.UsedAddr + ringHeader + usedElemSize*uint64(idx%r.state.Size)

	id, err := r.mem.ReadUint32(addr)
	must(err)

	length, err := r.mem.ReadUint32(addr + 4)
	must(err)

	return id, length
}
