// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtio_test

import (
	"testing"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ringGPA  = 0x1000
	ringSize = 8
)

func newTestQueue(t *testing.T, features uint64) (*virtio.Queue, *virtio.TestRing, *guestmem.Translator) {
	t.Helper()

	mem, _ := guestmem.NewTestTranslator(0x10_0000)
	ring := virtio.NewTestRing(mem, ringGPA, ringSize)

	queue, err := virtio.NewQueue(mem, ring.State(), features)
	require.NoError(t, err)

	return queue, ring, mem
}

func TestNewQueue(t *testing.T) {
	mem, _ := guestmem.NewTestTranslator(0x1000)

	tests := []struct {
		name        string
		state       virtio.QueueState
		expectedErr error
	}{
		{
			name:  "valid",
			state: virtio.QueueState{Size: 256, Ready: true},
		},
		{
			name:        "not ready",
			state:       virtio.QueueState{Size: 256},
			expectedErr: virtio.ErrQueueNotReady,
		},
		{
			name:        "zero size",
			state:       virtio.QueueState{Ready: true},
			expectedErr: virtio.ErrQueueSize,
		},
		{
			name:        "not power of two",
			state:       virtio.QueueState{Size: 100, Ready: true},
			expectedErr: virtio.ErrQueueSize,
		},
		{
			name:        "misaligned descriptor table",
			state:       virtio.QueueState{Size: 8, Ready: true, DescAddr: 0x108},
			expectedErr: virtio.ErrQueueAlign,
		},
		{
			name:        "misaligned used ring",
			state:       virtio.QueueState{Size: 8, Ready: true, UsedAddr: 0x102},
			expectedErr: virtio.ErrQueueAlign,
		},
		{
			name:        "descriptor table outside memory",
			state:       virtio.QueueState{Size: 8, Ready: true, DescAddr: 0x1000},
			expectedErr: virtio.ErrQueueAddress,
		},
		{
			name:        "used ring crossing memory end",
			state:       virtio.QueueState{Size: 256, Ready: true, UsedAddr: 0x800},
			expectedErr: virtio.ErrQueueAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := virtio.NewQueue(mem, tt.state, virtio.FeatureVersion1)
			require.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func TestQueueStateValidate(t *testing.T) {
	state := virtio.QueueState{Size: 256, DescAddr: 0x1000, AvailAddr: 0x2000, UsedAddr: 0x3000}
	require.NoError(t, state.Validate(256))

	state.Size = 512
	require.ErrorIs(t, state.Validate(256), virtio.ErrQueueSize)

	state.Size = 256
	state.AvailAddr = 0x2001
	require.ErrorIs(t, state.Validate(256), virtio.ErrQueueAlign)
}

func TestQueuePopPush(t *testing.T) {
	queue, ring, _ := newTestQueue(t, virtio.FeatureVersion1)

	chain, err := queue.Pop()
	require.NoError(t, err)
	assert.Nil(t, chain, "empty queue")

	head := ring.AddChain(
		virtio.TestBuffer{GPA: 0x10000, Len: 16},
		virtio.TestBuffer{GPA: 0x10010, Len: 0},
		virtio.TestBuffer{GPA: 0x20000, Len: 512, Writable: true},
		virtio.TestBuffer{GPA: 0x20200, Len: 1, Writable: true},
	)
	second := ring.AddChain(virtio.TestBuffer{GPA: 0x30000, Len: 8})

	chain, err = queue.Pop()
	require.NoError(t, err)
	require.NotNil(t, chain)

	expected := &virtio.Chain{
		Head:     head,
		Readable: virtio.Buffers{{GPA: 0x10000, Len: 16}},
		Writable: virtio.Buffers{{GPA: 0x20000, Len: 512}, {GPA: 0x20200, Len: 1}},
	}
	assert.Equal(t, expected, chain)

	chain, err = queue.Pop()
	require.NoError(t, err)
	require.NotNil(t, chain)
	assert.Equal(t, second, chain.Head)

	chain, err = queue.Pop()
	require.NoError(t, err)
	assert.Nil(t, chain)

	require.NoError(t, queue.Push(head, 513))
	require.NoError(t, queue.Push(second, 0))

	assert.Equal(t, uint16(2), ring.UsedIdx())

	id, length := ring.Used(0)
	assert.Equal(t, uint32(head), id)
	assert.Equal(t, uint32(513), length)

	id, length = ring.Used(1)
	assert.Equal(t, uint32(second), id)
	assert.Equal(t, uint32(0), length)
}

func TestQueueWraparound(t *testing.T) {
	queue, ring, _ := newTestQueue(t, virtio.FeatureVersion1)

	// Indexes are free running and wrap at 2^16.
	for range 3 * 65536 / ringSize {
		for range ringSize {
			ring.AddChain(virtio.TestBuffer{GPA: 0x10000, Len: 8})
		}

		for range ringSize {
			chain, err := queue.Pop()
			require.NoError(t, err)
			require.NotNil(t, chain)
			require.NoError(t, queue.Push(chain.Head, 0))
		}
	}

	assert.Equal(t, uint16(0), ring.UsedIdx())
}

func TestQueueAvailIndexTooFar(t *testing.T) {
	queue, ring, _ := newTestQueue(t, virtio.FeatureVersion1)

	ring.SetAvailIdx(ringSize + 1)

	_, err := queue.Pop()
	require.ErrorIs(t, err, virtio.ErrAvailIndex)
}

func TestQueueMalformedChains(t *testing.T) {
	tests := []struct {
		name        string
		features    uint64
		setup       func(ring *virtio.TestRing, mem *guestmem.Translator) uint16
		expectedErr error
		partial     virtio.Chain
	}{
		{
			name: "index out of range",
			setup: func(ring *virtio.TestRing, _ *guestmem.Translator) uint16 {
				ring.SetDescriptor(0, 0x10000, 8, virtio.DescFlagNext, ringSize)
				ring.Publish(0)

				return 0
			},
			expectedErr: virtio.ErrDescriptorIndex,
			partial: virtio.Chain{
				Readable: virtio.Buffers{{GPA: 0x10000, Len: 8}},
			},
		},
		{
			name: "head out of range",
			setup: func(ring *virtio.TestRing, _ *guestmem.Translator) uint16 {
				ring.Publish(ringSize + 3)

				return ringSize + 3
			},
			expectedErr: virtio.ErrDescriptorIndex,
		},
		{
			name: "loop",
			setup: func(ring *virtio.TestRing, _ *guestmem.Translator) uint16 {
				ring.SetDescriptor(2, 0x10000, 8, virtio.DescFlagNext, 3)
				ring.SetDescriptor(3, 0x10008, 8, virtio.DescFlagNext, 2)
				ring.Publish(2)

				return 2
			},
			expectedErr: virtio.ErrDescriptorLoop,
			partial: virtio.Chain{
				Readable: virtio.Buffers{{GPA: 0x10000, Len: 8}, {GPA: 0x10008, Len: 8}},
			},
		},
		{
			name: "zero length terminal",
			setup: func(ring *virtio.TestRing, _ *guestmem.Translator) uint16 {
				ring.SetDescriptor(0, 0x10000, 8, virtio.DescFlagNext, 1)
				ring.SetDescriptor(1, 0x20000, 0, virtio.DescFlagWrite, 0)
				ring.Publish(0)

				return 0
			},
			expectedErr: virtio.ErrZeroLength,
			partial: virtio.Chain{
				Readable: virtio.Buffers{{GPA: 0x10000, Len: 8}},
			},
		},
		{
			name: "read after write",
			setup: func(ring *virtio.TestRing, _ *guestmem.Translator) uint16 {
				ring.SetDescriptor(0, 0x20000, 8, virtio.DescFlagWrite|virtio.DescFlagNext, 1)
				ring.SetDescriptor(1, 0x10000, 8, 0, 0)
				ring.Publish(0)

				return 0
			},
			expectedErr: virtio.ErrReadAfterWrite,
			partial: virtio.Chain{
				Writable: virtio.Buffers{{GPA: 0x20000, Len: 8}},
			},
		},
		{
			name: "outside guest memory",
			setup: func(ring *virtio.TestRing, _ *guestmem.Translator) uint16 {
				ring.SetDescriptor(0, 0x20000, 8, virtio.DescFlagWrite|virtio.DescFlagNext, 1)
				ring.SetDescriptor(1, 0xfff_0000, 8, virtio.DescFlagWrite, 0)
				ring.Publish(0)

				return 0
			},
			expectedErr: virtio.ErrTranslate,
			partial: virtio.Chain{
				Writable: virtio.Buffers{{GPA: 0x20000, Len: 8}},
			},
		},
		{
			name: "indirect not negotiated",
			setup: func(ring *virtio.TestRing, _ *guestmem.Translator) uint16 {
				ring.SetDescriptor(0, 0x40000, 32, virtio.DescFlagIndirect, 0)
				ring.Publish(0)

				return 0
			},
			expectedErr: virtio.ErrIndirect,
		},
		{
			name:     "nested indirect",
			features: virtio.FeatureRingIndirectDesc,
			setup: func(ring *virtio.TestRing, mem *guestmem.Translator) uint16 {
				ring.SetDescriptor(0, 0x40000, 32, virtio.DescFlagIndirect, 0)
				virtio.WriteDescriptor(mem, 0x40000, 0, 0x40000, 32, virtio.DescFlagIndirect, 0)
				ring.Publish(0)

				return 0
			},
			expectedErr: virtio.ErrIndirect,
		},
		{
			name:     "indirect table size",
			features: virtio.FeatureRingIndirectDesc,
			setup: func(ring *virtio.TestRing, _ *guestmem.Translator) uint16 {
				ring.SetDescriptor(0, 0x40000, 20, virtio.DescFlagIndirect, 0)
				ring.Publish(0)

				return 0
			},
			expectedErr: virtio.ErrIndirect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue, ring, mem := newTestQueue(t, virtio.FeatureVersion1|tt.features)

			head := tt.setup(ring, mem)

			chain, err := queue.Pop()
			require.ErrorIs(t, err, tt.expectedErr)
			assert.Nil(t, chain)

			var chainErr *virtio.ChainError
			require.ErrorAs(t, err, &chainErr)
			require.ErrorIs(t, err, &virtio.ChainError{})
			assert.Equal(t, head, chainErr.Head)

			tt.partial.Head = head
			assert.Equal(t, tt.partial, chainErr.Partial)

			// The chain is consumed, the queue keeps working.
			next := ring.AddChain(virtio.TestBuffer{GPA: 0x10000, Len: 8})

			chain, err = queue.Pop()
			require.NoError(t, err)
			require.NotNil(t, chain)
			assert.Equal(t, next, chain.Head)
		})
	}
}

func TestQueueIndirect(t *testing.T) {
	queue, ring, mem := newTestQueue(t, virtio.FeatureVersion1|virtio.FeatureRingIndirectDesc)

	virtio.WriteDescriptor(mem, 0x40000, 0, 0x10000, 16, virtio.DescFlagNext, 2)
	virtio.WriteDescriptor(mem, 0x40000, 2, 0x20000, 512, virtio.DescFlagWrite|virtio.DescFlagNext, 1)
	virtio.WriteDescriptor(mem, 0x40000, 1, 0x20200, 1, virtio.DescFlagWrite, 0)
	ring.SetDescriptor(5, 0x40000, 48, virtio.DescFlagIndirect, 0)
	ring.Publish(5)

	chain, err := queue.Pop()
	require.NoError(t, err)

	expected := &virtio.Chain{
		Head:     5,
		Readable: virtio.Buffers{{GPA: 0x10000, Len: 16}},
		Writable: virtio.Buffers{{GPA: 0x20000, Len: 512}, {GPA: 0x20200, Len: 1}},
	}
	assert.Equal(t, expected, chain)
}

func TestQueueNotificationFlags(t *testing.T) {
	queue, ring, _ := newTestQueue(t, virtio.FeatureVersion1)

	notify, err := queue.NeedsNotification()
	require.NoError(t, err)
	assert.False(t, notify, "nothing used")

	head := ring.AddChain(virtio.TestBuffer{GPA: 0x10000, Len: 8})
	require.NoError(t, queue.Push(head, 0))

	notify, err = queue.NeedsNotification()
	require.NoError(t, err)
	assert.True(t, notify)

	ring.SetAvailFlags(virtio.AvailFlagNoInterrupt)
	require.NoError(t, queue.Push(head, 0))

	notify, err = queue.NeedsNotification()
	require.NoError(t, err)
	assert.False(t, notify, "interrupts suppressed")
}

func TestQueueNotificationEventIdx(t *testing.T) {
	queue, ring, _ := newTestQueue(t, virtio.FeatureVersion1|virtio.FeatureRingEventIdx)

	ring.AddChain(virtio.TestBuffer{GPA: 0x10000, Len: 8})
	ring.AddChain(virtio.TestBuffer{GPA: 0x10000, Len: 8})

	for range 2 {
		chain, err := queue.Pop()
		require.NoError(t, err)
		require.NotNil(t, chain)
	}

	assert.Equal(t, uint16(2), ring.AvailEvent(), "avail event follows consumption")

	// Driver wants an interrupt once the second buffer is used.
	ring.SetUsedEvent(1)

	require.NoError(t, queue.Push(0, 0))

	notify, err := queue.NeedsNotification()
	require.NoError(t, err)
	assert.False(t, notify, "event index not reached")

	require.NoError(t, queue.Push(1, 0))

	notify, err = queue.NeedsNotification()
	require.NoError(t, err)
	assert.True(t, notify, "event index crossed")

	t.Run("wraparound", func(t *testing.T) {
		// Moving the used index from 2 to 3 does not cross 65535.
		ring.SetUsedEvent(0xffff)
		require.NoError(t, queue.Push(0, 0))

		notify, err := queue.NeedsNotification()
		require.NoError(t, err)
		assert.False(t, notify)
	})
}
