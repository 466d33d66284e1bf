// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/aibor/vmgraft/internal/guestmem"
)

// MaxQueueSize is the largest split virtqueue size.
const MaxQueueSize = 32768

// Descriptor flags.
const (
	DescFlagNext     = 1
	DescFlagWrite    = 2
	DescFlagIndirect = 4
)

// AvailFlagNoInterrupt is set by the driver to suppress used buffer
// interrupts.
const AvailFlagNoInterrupt = 1

const (
	descSize     = 16
	usedElemSize = 8
	ringHeader   = 4

	descAlign  = 16
	availAlign = 2
	usedAlign  = 4
)

// QueueState is the driver provided configuration of a virtqueue.
type QueueState struct {
	Size      uint16
	Ready     bool
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
}

// Validate checks the size against maxSize and the alignment of the rings.
func (s QueueState) Validate(maxSize uint16) error {
	if s.Size == 0 || s.Size > maxSize || s.Size&(s.Size-1) != 0 {
		return fmt.Errorf("%w: %d, at most %d", ErrQueueSize, s.Size, maxSize)
	}

	if s.DescAddr%descAlign != 0 || s.AvailAddr%availAlign != 0 || s.UsedAddr%usedAlign != 0 {
		return fmt.Errorf("%w: desc %#x, avail %#x, used %#x",
			ErrQueueAlign, s.DescAddr, s.AvailAddr, s.UsedAddr)
	}

	return nil
}

// ringSizes returns the lengths of descriptor table, available and used
// ring including the event index fields.
func (s QueueState) ringSizes() (uint64, uint64, uint64) {
	size := uint64(s.Size)

	return descSize * size, ringHeader + 2*size + 2, ringHeader + usedElemSize*size + 2
}

// Queue is the device side of a split virtqueue.
type Queue struct {
	mem      *guestmem.Translator
	state    QueueState
	eventIdx bool
	indirect bool

	mu        sync.Mutex
	lastAvail uint16
	usedIdx   uint16
	signalled uint16
}

// NewQueue creates a new [Queue] for the ready queue state and the
// negotiated features.
func NewQueue(mem *guestmem.Translator, state QueueState, features uint64) (*Queue, error) {
	if !state.Ready {
		return nil, ErrQueueNotReady
	}

	if err := state.Validate(MaxQueueSize); err != nil {
		return nil, err
	}

	descLen, availLen, usedLen := state.ringSizes()

	for _, ring := range []struct {
		name string
		addr uint64
		len  uint64
	}{
		{"descriptor table", state.DescAddr, descLen},
		{"available ring", state.AvailAddr, availLen},
		{"used ring", state.UsedAddr, usedLen},
	} {
		if _, err := mem.Translate(ring.addr, ring.len); err != nil {
			return nil, fmt.Errorf("%w: %s at %#x: %w", ErrQueueAddress, ring.name, ring.addr, err)
		}
	}

	return &Queue{
		mem:      mem,
		state:    state,
		eventIdx: features&FeatureRingEventIdx != 0,
		indirect: features&FeatureRingIndirectDesc != 0,
	}, nil
}

// Size returns the number of descriptors of the queue.
func (q *Queue) Size() uint16 {
	return q.state.Size
}

func (q *Queue) availRing(idx uint16) uint64 {
	return q.state.AvailAddr + ringHeader + 2*uint64(idx%q.state.Size)
}

func (q *Queue) usedEventAddr() uint64 {
	return q.state.AvailAddr + ringHeader + 2*uint64(q.state.Size)
}

func (q *Queue) availEventAddr() uint64 {
	return q.state.UsedAddr + ringHeader + usedElemSize*uint64(q.state.Size)
}

// Pop returns the next available chain. It returns nil if no chain is
// available. Malformed chains are consumed and returned as [*ChainError].
func (q *Queue) Pop() (*Chain, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	availIdx, err := q.mem.ReadUint16(q.state.AvailAddr + 2)
	if err != nil {
		return nil, fmt.Errorf("read avail idx: %w", err)
	}

	if pending := availIdx - q.lastAvail; pending > q.state.Size {
		return nil, fmt.Errorf("%w: %d pending", ErrAvailIndex, pending)
	}

	if availIdx == q.lastAvail {
		return nil, nil
	}

	head, err := q.mem.ReadUint16(q.availRing(q.lastAvail))
	if err != nil {
		return nil, fmt.Errorf("read avail ring: %w", err)
	}

	q.lastAvail++

	if q.eventIdx {
		if err := q.mem.WriteUint16(q.availEventAddr(), q.lastAvail); err != nil {
			return nil, fmt.Errorf("write avail event: %w", err)
		}
	}

	chain, err := q.resolve(head)
	if err != nil {
		return nil, &ChainError{Head: head, Partial: chain, Err: err}
	}

	return &chain, nil
}

type descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (q *Queue) readDescriptor(table uint64, idx uint16) (descriptor, error) {
	data, err := q.mem.Read(table+descSize*uint64(idx), descSize)
	if err != nil {
		return descriptor{}, fmt.Errorf("read descriptor %d: %w", idx, err)
	}

	return descriptor{
		Addr:  binary.LittleEndian.Uint64(data[0:]),
		Len:   binary.LittleEndian.Uint32(data[8:]),
		Flags: binary.LittleEndian.Uint16(data[12:]),
		Next:  binary.LittleEndian.Uint16(data[14:]),
	}, nil
}

// resolve walks the chain starting at head. The returned chain holds the
// buffers resolved so far in case of errors.
func (q *Queue) resolve(head uint16) (Chain, error) {
	chain := Chain{Head: head}

	table := q.state.DescAddr
	tableSize := uint32(q.state.Size)
	visited := make([]bool, tableSize)
	inIndirect := false
	idx := head
	count := uint32(0)

	for {
		if uint32(idx) >= tableSize {
			return chain, fmt.Errorf("%w: %d", ErrDescriptorIndex, idx)
		}

		if count >= tableSize {
			return chain, ErrChainTooLong
		}

		count++

		if visited[idx] {
			return chain, fmt.Errorf("%w: at %d", ErrDescriptorLoop, idx)
		}

		visited[idx] = true

		desc, err := q.readDescriptor(table, idx)
		if err != nil {
			return chain, err
		}

		if desc.Flags&DescFlagIndirect != 0 {
			size, err := q.checkIndirect(desc, inIndirect)
			if err != nil {
				return chain, err
			}

			table = desc.Addr
			tableSize = size
			visited = make([]bool, tableSize)
			inIndirect = true
			idx = 0
			count = 0

			continue
		}

		if err := chain.add(q.mem, desc); err != nil {
			return chain, err
		}

		if desc.Flags&DescFlagNext == 0 {
			return chain, nil
		}

		idx = desc.Next
	}
}

func (q *Queue) checkIndirect(desc descriptor, inIndirect bool) (uint32, error) {
	switch {
	case !q.indirect:
		return 0, fmt.Errorf("%w: not negotiated", ErrIndirect)
	case inIndirect:
		return 0, fmt.Errorf("%w: nested", ErrIndirect)
	case desc.Flags&DescFlagNext != 0:
		return 0, fmt.Errorf("%w: with next flag", ErrIndirect)
	case desc.Len == 0 || desc.Len%descSize != 0:
		return 0, fmt.Errorf("%w: table length %d", ErrIndirect, desc.Len)
	case desc.Len/descSize > MaxQueueSize:
		return 0, fmt.Errorf("%w: table of %d entries", ErrIndirect, desc.Len/descSize)
	}

	if _, err := q.mem.Translate(desc.Addr, uint64(desc.Len)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTranslate, err)
	}

	return desc.Len / descSize, nil
}

func (c *Chain) add(mem *guestmem.Translator, desc descriptor) error {
	if desc.Len == 0 {
		if desc.Flags&DescFlagNext == 0 {
			return ErrZeroLength
		}

		return nil
	}

	if _, err := mem.Translate(desc.Addr, uint64(desc.Len)); err != nil {
		return fmt.Errorf("%w: %w", ErrTranslate, err)
	}

	buf := Buffer{GPA: desc.Addr, Len: desc.Len}

	if desc.Flags&DescFlagWrite != 0 {
		c.Writable = append(c.Writable, buf)
		return nil
	}

	if len(c.Writable) > 0 {
		return ErrReadAfterWrite
	}

	c.Readable = append(c.Readable, buf)

	return nil
}

// Push returns the chain with the given head to the driver. written is the
// number of bytes written into the writable buffers. The used element is
// visible before the used index.
func (q *Queue) Push(head uint16, written uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem := make([]byte, usedElemSize)
	binary.LittleEndian.PutUint32(elem[0:], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:], written)

	addr := q.state.UsedAddr + ringHeader + usedElemSize*uint64(q.usedIdx%q.state.Size)
	if err := q.mem.Write(addr, elem); err != nil {
		return fmt.Errorf("write used element: %w", err)
	}

	if err := q.mem.WriteUint16(q.state.UsedAddr+2, q.usedIdx+1); err != nil {
		return fmt.Errorf("write used idx: %w", err)
	}

	q.usedIdx++

	return nil
}

// NeedsNotification reports whether the driver wants an interrupt for the
// buffers pushed since the last call.
func (q *Queue) NeedsNotification() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	old, cur := q.signalled, q.usedIdx
	if old == cur {
		return false, nil
	}

	q.signalled = cur

	if q.eventIdx {
		event, err := q.mem.ReadUint16(q.usedEventAddr())
		if err != nil {
			return true, fmt.Errorf("read used event: %w", err)
		}

		return needEvent(event, cur, old), nil
	}

	flags, err := q.mem.ReadUint16(q.state.AvailAddr)
	if err != nil {
		return true, fmt.Errorf("read avail flags: %w", err)
	}

	return flags&AvailFlagNoInterrupt == 0, nil
}

// needEvent reports whether the event index was crossed moving from old to
// cur, with wraparound.
func needEvent(event, cur, old uint16) bool {
	return cur-event-1 < cur-old
}
