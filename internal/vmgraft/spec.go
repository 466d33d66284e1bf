// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vmgraft

import (
	"fmt"
	"time"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/stage"
)

// Session defaults.
const (
	// DefaultGSI is the interrupt line of the first device. Further devices
	// use the following lines.
	DefaultGSI = 5

	defaultDriverPollInterval = 50 * time.Millisecond
)

// DeviceSpec describes a block device backed by a host file.
type DeviceSpec struct {
	Path     string
	ReadOnly bool

	// ID returned for GET_ID requests. Generated if empty.
	ID string
}

// Memory describes the guest memory layout.
type Memory struct {
	// Regions overrides the discovery from the hypervisor mappings.
	Regions []guestmem.Region

	// LowMemLimit is where discovered RAM is split. Defaults to
	// [guestmem.DefaultLowMemLimit].
	LowMemLimit uint64

	// ReserveAddr and ReserveSize place the reservation for stage memory
	// and device windows. Zero values pick defaults.
	ReserveAddr uint64
	ReserveSize uint64
}

// Spec describes a single [Attach] session.
type Spec struct {
	PID int

	// Stage1 is the ELF image run on the interrupted vCPU. Stage2 is the
	// ELF executable stage 1 loads and starts.
	Stage1 []byte
	Stage2 []byte

	Devices []DeviceSpec

	// Shares are host paths packed into an archive that is added as
	// additional read-only device.
	Shares []string

	Memory Memory

	// MMIOBase places the device register windows. They are allocated from
	// the reservation if 0.
	MMIOBase uint64

	// GSI is the interrupt line of the first device.
	GSI uint32

	// IOWorkers is the number of requests in flight per device.
	IOWorkers int

	// VCPU runs stage 1.
	VCPU int

	// Slot is the KVM memory slot for the stage memory.
	Slot uint32

	// Persist leaves stage memory and vCPU state in place on detach. It only
	// applies once the guest driver reported [stage.DriverReturned].
	Persist bool

	// TempDir for the share archive. [os.TempDir] is used if empty.
	TempDir string

	driverPollInterval time.Duration
}

func (s *Spec) setDefaults() {
	if s.GSI == 0 {
		s.GSI = DefaultGSI
	}

	if s.Slot == 0 {
		s.Slot = stage.DefaultSlot
	}

	if s.Memory.LowMemLimit == 0 {
		s.Memory.LowMemLimit = guestmem.DefaultLowMemLimit
	}

	if s.driverPollInterval == 0 {
		s.driverPollInterval = defaultDriverPollInterval
	}
}

func (s *Spec) numDevices() int {
	n := len(s.Devices)
	if len(s.Shares) > 0 {
		n++
	}

	return n
}

func (s *Spec) validate() error {
	if s.PID <= 0 {
		return fmt.Errorf("%w: pid %d", ErrInvalidSpec, s.PID)
	}

	if len(s.Stage1) == 0 {
		return fmt.Errorf("%w: no stage1", ErrInvalidSpec)
	}

	if len(s.Stage2) == 0 {
		return fmt.Errorf("%w: no stage2", ErrInvalidSpec)
	}

	if n := s.numDevices(); n > stage.MaxDevices {
		return fmt.Errorf("%w: %d devices, at most %d supported", ErrInvalidSpec, n, stage.MaxDevices)
	}

	for idx, dev := range s.Devices {
		if dev.Path == "" {
			return fmt.Errorf("%w: device %d without backing", ErrInvalidSpec, idx)
		}
	}

	if s.VCPU < 0 {
		return fmt.Errorf("%w: vcpu %d", ErrInvalidSpec, s.VCPU)
	}

	return nil
}
