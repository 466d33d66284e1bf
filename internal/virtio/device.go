// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtio

import "context"

// DeviceIDBlock is the virtio device ID of block devices.
const DeviceIDBlock = 2

// DeviceState is the negotiated configuration a device is activated with.
type DeviceState struct {
	Features uint64
	Queues   []QueueState

	// Interrupt raises a used buffer interrupt.
	Interrupt func() error
}

// Device is a virtio device behind a [MMIOTransport].
type Device interface {
	DeviceID() uint32
	Features() uint64
	NumQueues() int
	MaxQueueSize() uint16

	// ReadConfig and WriteConfig access the device configuration space.
	ReadConfig(offset uint32, data []byte)
	WriteConfig(offset uint32, data []byte)

	// Configure activates the device.
	Configure(state DeviceState) error

	// HandleNotify processes buffers the driver made available.
	HandleNotify(ctx context.Context, queue uint16) error

	// Reset deactivates the device and waits for requests in flight.
	Reset()
}
