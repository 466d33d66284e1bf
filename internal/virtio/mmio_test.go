// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtio_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/aibor/vmgraft/internal/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = 0x4020_0000

type fakeDevice struct {
	config     []byte
	configured []virtio.DeviceState
	notified   []uint16
	resets     int
	configErr  error
}

func (*fakeDevice) DeviceID() uint32 { return virtio.DeviceIDBlock }

func (*fakeDevice) Features() uint64 {
	return virtio.FeatureVersion1 | virtio.FeatureRingEventIdx | 1<<9
}

func (*fakeDevice) NumQueues() int { return 2 }

func (*fakeDevice) MaxQueueSize() uint16 { return 256 }

func (d *fakeDevice) ReadConfig(offset uint32, data []byte) {
	if int(offset) < len(d.config) {
		copy(data, d.config[offset:])
	}
}

func (d *fakeDevice) WriteConfig(offset uint32, data []byte) {
	if int(offset) < len(d.config) {
		copy(d.config[offset:], data)
	}
}

func (d *fakeDevice) Configure(state virtio.DeviceState) error {
	d.configured = append(d.configured, state)
	return d.configErr
}

func (d *fakeDevice) HandleNotify(_ context.Context, queue uint16) error {
	d.notified = append(d.notified, queue)
	return nil
}

func (d *fakeDevice) Reset() {
	d.resets++
}

type fakeSignaller struct {
	signals int
}

func (s *fakeSignaller) Signal() error {
	s.signals++
	return nil
}

type transportDriver struct {
	t         *testing.T
	transport *virtio.MMIOTransport
}

func (d transportDriver) read(offset uint64) uint32 {
	d.t.Helper()

	exit := kvm.MMIOExit{PhysAddr: testBase + offset, Len: 4}
	require.NoError(d.t, d.transport.HandleMMIO(context.Background(), &exit))

	return binary.LittleEndian.Uint32(exit.Bytes())
}

func (d transportDriver) write(offset uint64, value uint32) {
	d.t.Helper()

	exit := kvm.MMIOExit{PhysAddr: testBase + offset, Len: 4, IsWrite: true}
	binary.LittleEndian.PutUint32(exit.Data[:], value)
	require.NoError(d.t, d.transport.HandleMMIO(context.Background(), &exit))
}

func (d transportDriver) setupQueue(idx uint32, size uint32, desc, avail, used uint64) {
	d.write(virtio.RegQueueSel, idx)
	d.write(virtio.RegQueueNum, size)
	d.write(virtio.RegQueueDescLow, uint32(desc))
	d.write(virtio.RegQueueDescHigh, uint32(desc>>32))
	d.write(virtio.RegQueueDriverLow, uint32(avail))
	d.write(virtio.RegQueueDriverHigh, uint32(avail>>32))
	d.write(virtio.RegQueueDeviceLow, uint32(used))
	d.write(virtio.RegQueueDeviceHigh, uint32(used>>32))
	d.write(virtio.RegQueueReady, 1)
}

func (d transportDriver) negotiate(features uint64) {
	d.write(virtio.RegStatus, virtio.StatusAcknowledge)
	d.write(virtio.RegStatus, virtio.StatusAcknowledge|virtio.StatusDriver)
	d.write(virtio.RegDriverFeaturesSel, 0)
	d.write(virtio.RegDriverFeatures, uint32(features))
	d.write(virtio.RegDriverFeaturesSel, 1)
	d.write(virtio.RegDriverFeatures, uint32(features>>32))
	d.write(virtio.RegStatus, virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK)
}

func newTestTransport(t *testing.T) (transportDriver, *fakeDevice, *fakeSignaller) {
	t.Helper()

	dev := &fakeDevice{config: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	irq := &fakeSignaller{}
	transport := virtio.NewMMIOTransport(dev, irq, testBase)

	return transportDriver{t: t, transport: transport}, dev, irq
}

func TestMMIOIdentification(t *testing.T) {
	drv, _, _ := newTestTransport(t)

	assert.Equal(t, uint32(0x74726976), drv.read(virtio.RegMagicValue))
	assert.Equal(t, uint32(2), drv.read(virtio.RegVersion))
	assert.Equal(t, uint32(virtio.DeviceIDBlock), drv.read(virtio.RegDeviceID))
	assert.Equal(t, uint32(virtio.VendorID), drv.read(virtio.RegVendorID))

	drv.write(virtio.RegDeviceFeaturesSel, 0)
	assert.Equal(t, uint32(virtio.FeatureRingEventIdx|1<<9), drv.read(virtio.RegDeviceFeatures))

	drv.write(virtio.RegDeviceFeaturesSel, 1)
	assert.Equal(t, uint32(1), drv.read(virtio.RegDeviceFeatures))

	drv.write(virtio.RegDeviceFeaturesSel, 2)
	assert.Equal(t, uint32(0), drv.read(virtio.RegDeviceFeatures))

	drv.write(virtio.RegQueueSel, 1)
	assert.Equal(t, uint32(256), drv.read(virtio.RegQueueNumMax))

	drv.write(virtio.RegQueueSel, 2)
	assert.Equal(t, uint32(0), drv.read(virtio.RegQueueNumMax), "no such queue")
}

func TestMMIOActivation(t *testing.T) {
	drv, dev, _ := newTestTransport(t)

	drv.setupQueue(0, 128, 0x1_0000_1000, 0x2000, 0x3000)
	drv.setupQueue(1, 64, 0x4000, 0x5000, 0x6000)

	features := virtio.FeatureVersion1 | virtio.FeatureRingEventIdx
	drv.negotiate(features)

	status := drv.read(virtio.RegStatus)
	assert.NotZero(t, status&virtio.StatusFeaturesOK, "features accepted")
	assert.False(t, drv.transport.Active())

	drv.write(virtio.RegStatus, status|virtio.StatusDriverOK)
	assert.True(t, drv.transport.Active())

	require.Len(t, dev.configured, 1)

	state := dev.configured[0]
	assert.Equal(t, features, state.Features)
	assert.Equal(t, []virtio.QueueState{
		{Size: 128, Ready: true, DescAddr: 0x1_0000_1000, AvailAddr: 0x2000, UsedAddr: 0x3000},
		{Size: 64, Ready: true, DescAddr: 0x4000, AvailAddr: 0x5000, UsedAddr: 0x6000},
	}, state.Queues)

	drv.write(virtio.RegQueueSel, 0)
	assert.Equal(t, uint32(1), drv.read(virtio.RegQueueReady))

	drv.write(virtio.RegQueueNotify, 1)
	drv.write(virtio.RegQueueNotify, 7)
	assert.Equal(t, []uint16{1}, dev.notified, "unknown queue ignored")

	drv.write(virtio.RegStatus, 0)
	assert.Equal(t, 1, dev.resets)
	assert.False(t, drv.transport.Active())
	assert.Equal(t, uint32(0), drv.read(virtio.RegStatus))
	assert.Equal(t, uint32(0), drv.read(virtio.RegQueueReady))
}

func TestMMIOFeatureRejection(t *testing.T) {
	tests := []struct {
		name     string
		features uint64
	}{
		{
			name:     "unsupported",
			features: virtio.FeatureVersion1 | virtio.FeatureRingIndirectDesc,
		},
		{
			name:     "legacy",
			features: virtio.FeatureRingEventIdx,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv, dev, _ := newTestTransport(t)

			drv.setupQueue(0, 8, 0x1000, 0x2000, 0x3000)
			drv.negotiate(tt.features)

			status := drv.read(virtio.RegStatus)
			assert.Zero(t, status&virtio.StatusFeaturesOK, "features rejected")

			drv.write(virtio.RegStatus, status|virtio.StatusDriverOK)
			assert.False(t, drv.transport.Active())
			assert.Empty(t, dev.configured)
		})
	}
}

func TestMMIOActivationFailure(t *testing.T) {
	drv, dev, irq := newTestTransport(t)
	dev.configErr = assert.AnError

	drv.negotiate(virtio.FeatureVersion1)
	drv.write(virtio.RegStatus, drv.read(virtio.RegStatus)|virtio.StatusDriverOK)

	assert.False(t, drv.transport.Active())
	assert.NotZero(t, drv.read(virtio.RegStatus)&virtio.StatusDeviceNeedsReset)
	assert.Equal(t, uint32(virtio.InterruptConfig), drv.read(virtio.RegInterruptStatus))
	assert.Equal(t, 1, irq.signals)
}

func TestMMIOQueueRejected(t *testing.T) {
	tests := []struct {
		name  string
		size  uint32
		desc  uint64
		avail uint64
		used  uint64
	}{
		{
			name:  "size above maximum",
			size:  4096,
			desc:  0x1000,
			avail: 0x2000,
			used:  0x3000,
		},
		{
			name:  "zero size",
			desc:  0x1000,
			avail: 0x2000,
			used:  0x3000,
		},
		{
			name:  "misaligned descriptor table",
			size:  8,
			desc:  0x1004,
			avail: 0x2000,
			used:  0x3000,
		},
		{
			name:  "misaligned used ring",
			size:  8,
			desc:  0x1000,
			avail: 0x2000,
			used:  0x3002,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv, dev, irq := newTestTransport(t)

			drv.setupQueue(0, tt.size, tt.desc, tt.avail, tt.used)
			drv.negotiate(virtio.FeatureVersion1)
			drv.write(virtio.RegStatus, drv.read(virtio.RegStatus)|virtio.StatusDriverOK)

			assert.False(t, drv.transport.Active())
			assert.Empty(t, dev.configured)
			assert.NotZero(t, drv.read(virtio.RegStatus)&virtio.StatusDeviceNeedsReset)
			assert.Equal(t, 1, irq.signals)
		})
	}
}

func TestMMIOInterrupts(t *testing.T) {
	drv, _, irq := newTestTransport(t)

	require.NoError(t, drv.transport.SignalUsed())
	assert.Equal(t, 1, irq.signals)
	assert.Equal(t, uint32(virtio.InterruptUsedBuffer), drv.read(virtio.RegInterruptStatus))

	drv.write(virtio.RegInterruptACK, virtio.InterruptUsedBuffer)
	assert.Equal(t, uint32(0), drv.read(virtio.RegInterruptStatus))
}

func TestMMIOConfigSpace(t *testing.T) {
	drv, dev, _ := newTestTransport(t)

	exit := kvm.MMIOExit{PhysAddr: testBase + virtio.RegConfig + 2, Len: 2}
	require.NoError(t, drv.transport.HandleMMIO(context.Background(), &exit))
	assert.Equal(t, []byte{3, 4}, exit.Bytes())

	generation := drv.read(virtio.RegConfigGeneration)

	exit = kvm.MMIOExit{PhysAddr: testBase + virtio.RegConfig, Len: 1, IsWrite: true}
	exit.Data[0] = 0xaa
	require.NoError(t, drv.transport.HandleMMIO(context.Background(), &exit))
	assert.Equal(t, byte(0xaa), dev.config[0])
	assert.NotEqual(t, generation, drv.read(virtio.RegConfigGeneration))
}

func TestMMIOInvalidAccess(t *testing.T) {
	drv, _, _ := newTestTransport(t)

	tests := []struct {
		name string
		exit kvm.MMIOExit
	}{
		{
			name: "short register read",
			exit: kvm.MMIOExit{PhysAddr: testBase + virtio.RegStatus, Len: 2},
		},
		{
			name: "unaligned",
			exit: kvm.MMIOExit{PhysAddr: testBase + virtio.RegStatus + 1, Len: 4},
		},
		{
			name: "below window",
			exit: kvm.MMIOExit{PhysAddr: testBase - 4, Len: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := drv.transport.HandleMMIO(context.Background(), &tt.exit)
			require.ErrorIs(t, err, virtio.ErrAccess)
		})
	}
}
