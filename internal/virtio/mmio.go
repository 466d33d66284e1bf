// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aibor/vmgraft/internal/kvm"
)

// MMIO register offsets.
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptACK      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueDriverLow    = 0x090
	RegQueueDriverHigh   = 0x094
	RegQueueDeviceLow    = 0x0a0
	RegQueueDeviceHigh   = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100
)

// Register values.
const (
	MagicValue = 0x74726976
	Version    = 2
	VendorID   = 0x52474d56
)

// Device status bits.
const (
	StatusAcknowledge      = 1
	StatusDriver           = 2
	StatusDriverOK         = 4
	StatusFeaturesOK       = 8
	StatusDeviceNeedsReset = 64
	StatusFailed           = 128
)

// Interrupt status bits.
const (
	InterruptUsedBuffer = 1
	InterruptConfig     = 2
)

// Signaller raises an interrupt line.
type Signaller interface {
	Signal() error
}

// MMIOTransport is the virtio-mmio register file of a device.
//
// Register accesses must come from a single goroutine. Interrupts may be
// raised from any goroutine.
type MMIOTransport struct {
	dev  Device
	irq  Signaller
	base uint64

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64
	queueSel          uint32
	queues            []QueueState
	status            uint32
	configGeneration  uint32
	active            bool

	interruptStatus atomic.Uint32
}

// NewMMIOTransport creates a new transport for the device with registers at
// base.
func NewMMIOTransport(dev Device, irq Signaller, base uint64) *MMIOTransport {
	return &MMIOTransport{
		dev:    dev,
		irq:    irq,
		base:   base,
		queues: make([]QueueState, dev.NumQueues()),
	}
}

// Base returns the guest-physical address of the registers.
func (t *MMIOTransport) Base() uint64 {
	return t.base
}

// Status returns the device status.
func (t *MMIOTransport) Status() uint32 {
	return t.status
}

// Active reports whether the driver activated the device.
func (t *MMIOTransport) Active() bool {
	return t.active
}

// HandleMMIO implements [kvm.MMIOHandler].
func (t *MMIOTransport) HandleMMIO(ctx context.Context, exit *kvm.MMIOExit) error {
	if exit.PhysAddr < t.base {
		return fmt.Errorf("%w: %#x below window", ErrAccess, exit.PhysAddr)
	}

	offset := exit.PhysAddr - t.base
	data := exit.Bytes()

	if offset >= RegConfig {
		configOffset := uint32(offset - RegConfig) //nolint:gosec
		if exit.IsWrite {
			t.dev.WriteConfig(configOffset, data)
			t.configGeneration++
		} else {
			clear(data)
			t.dev.ReadConfig(configOffset, data)
		}

		return nil
	}

	if len(data) != 4 || offset%4 != 0 {
		return fmt.Errorf("%w: %d bytes at %#x", ErrAccess, len(data), offset)
	}

	if exit.IsWrite {
		return t.write(ctx, offset, binary.LittleEndian.Uint32(data))
	}

	binary.LittleEndian.PutUint32(data, t.read(offset))

	return nil
}

func (t *MMIOTransport) selectedQueue() *QueueState {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}

	return &t.queues[t.queueSel]
}

func (t *MMIOTransport) read(offset uint64) uint32 {
	switch offset {
	case RegMagicValue:
		return MagicValue
	case RegVersion:
		return Version
	case RegDeviceID:
		return t.dev.DeviceID()
	case RegVendorID:
		return VendorID
	case RegDeviceFeatures:
		return uint32(t.dev.Features() >> (32 * uint64(min(t.deviceFeaturesSel, 2)))) //nolint:gosec
	case RegQueueNumMax:
		if t.selectedQueue() == nil {
			return 0
		}

		return uint32(t.dev.MaxQueueSize())
	case RegQueueReady:
		if q := t.selectedQueue(); q != nil && q.Ready {
			return 1
		}

		return 0
	case RegInterruptStatus:
		return t.interruptStatus.Load()
	case RegStatus:
		return t.status
	case RegConfigGeneration:
		return t.configGeneration
	default:
		slog.Debug("Read of unknown virtio register", slog.String("offset", fmt.Sprintf("%#x", offset)))
		return 0
	}
}

func (t *MMIOTransport) write(ctx context.Context, offset uint64, value uint32) error {
	switch offset {
	case RegDeviceFeaturesSel:
		t.deviceFeaturesSel = value
	case RegDriverFeaturesSel:
		t.driverFeaturesSel = value
	case RegDriverFeatures:
		t.writeDriverFeatures(value)
	case RegQueueSel:
		t.queueSel = value
	case RegQueueNotify:
		if int(value) >= len(t.queues) || !t.active {
			return nil
		}

		return t.dev.HandleNotify(ctx, uint16(value)) //nolint:gosec,wrapcheck
	case RegInterruptACK:
		t.interruptStatus.And(^value)
	case RegStatus:
		return t.writeStatus(value)
	default:
		t.writeQueue(offset, value)
	}

	return nil
}

func (t *MMIOTransport) writeDriverFeatures(value uint32) {
	switch t.driverFeaturesSel {
	case 0:
		t.driverFeatures = t.driverFeatures&^0xffff_ffff | uint64(value)
	case 1:
		t.driverFeatures = t.driverFeatures&0xffff_ffff | uint64(value)<<32
	}
}

func (t *MMIOTransport) writeQueue(offset uint64, value uint32) {
	queue := t.selectedQueue()
	if queue == nil || t.active {
		return
	}

	setLow := func(addr *uint64) { *addr = *addr&^0xffff_ffff | uint64(value) }
	setHigh := func(addr *uint64) { *addr = *addr&0xffff_ffff | uint64(value)<<32 }

	switch offset {
	case RegQueueNum:
		queue.Size = uint16(value) //nolint:gosec
	case RegQueueReady:
		queue.Ready = value == 1
	case RegQueueDescLow:
		setLow(&queue.DescAddr)
	case RegQueueDescHigh:
		setHigh(&queue.DescAddr)
	case RegQueueDriverLow:
		setLow(&queue.AvailAddr)
	case RegQueueDriverHigh:
		setHigh(&queue.AvailAddr)
	case RegQueueDeviceLow:
		setLow(&queue.UsedAddr)
	case RegQueueDeviceHigh:
		setHigh(&queue.UsedAddr)
	default:
		slog.Debug("Write of unknown virtio register", slog.String("offset", fmt.Sprintf("%#x", offset)))
	}
}

func (t *MMIOTransport) writeStatus(value uint32) error {
	if value == 0 {
		t.reset()
		return nil
	}

	if value&StatusFeaturesOK != 0 && t.status&StatusFeaturesOK == 0 {
		if _, err := Negotiate(t.dev.Features(), t.driverFeatures); err != nil {
			slog.Warn("Driver features rejected",
				slog.String("device", fmt.Sprintf("%#x", t.base)),
				slog.String("error", err.Error()))

			value &^= StatusFeaturesOK
		}
	}

	t.status = value

	if value&StatusDriverOK == 0 || t.active || value&StatusFeaturesOK == 0 {
		return nil
	}

	state := DeviceState{
		Features:  t.driverFeatures,
		Queues:    append([]QueueState(nil), t.queues...),
		Interrupt: t.SignalUsed,
	}

	if err := t.activate(state); err != nil {
		slog.Warn("Device activation failed",
			slog.String("device", fmt.Sprintf("%#x", t.base)),
			slog.String("error", err.Error()))

		t.status |= StatusDeviceNeedsReset

		return t.signal(InterruptConfig)
	}

	t.active = true

	return nil
}

func (t *MMIOTransport) activate(state DeviceState) error {
	for idx, queue := range state.Queues {
		if !queue.Ready {
			continue
		}

		if err := queue.Validate(t.dev.MaxQueueSize()); err != nil {
			return fmt.Errorf("queue %d: %w", idx, err)
		}
	}

	return t.dev.Configure(state) //nolint:wrapcheck
}

func (t *MMIOTransport) reset() {
	if t.active {
		t.dev.Reset()
	}

	t.active = false
	t.status = 0
	t.deviceFeaturesSel = 0
	t.driverFeaturesSel = 0
	t.driverFeatures = 0
	t.queueSel = 0
	t.queues = make([]QueueState, t.dev.NumQueues())
	t.interruptStatus.Store(0)
}

// SignalUsed raises a used buffer interrupt.
func (t *MMIOTransport) SignalUsed() error {
	return t.signal(InterruptUsedBuffer)
}

func (t *MMIOTransport) signal(reason uint32) error {
	t.interruptStatus.Or(reason)

	if err := t.irq.Signal(); err != nil {
		return fmt.Errorf("signal interrupt: %w", err)
	}

	return nil
}
