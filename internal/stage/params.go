// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Parameter block constants.
const (
	ParamsSize    = 256
	ParamsVersion = 1
	MaxDevices    = 8

	// Offsets of the status words.
	DeviceStatusOffset = 68
	DriverStatusOffset = 72
)

// ParamsMagic identifies a parameter block.
var ParamsMagic = [8]byte{'V', 'M', 'G', 'R', 'A', 'F', 'T', 0}

// DeviceStatus is written by the host once all devices are serviced.
type DeviceStatus uint32

// Device states.
const (
	DevicesPending DeviceStatus = iota
	DevicesReady
	DevicesFailed
)

// DriverStatus is written by stage 1 and the code it starts.
type DriverStatus uint32

// Driver states.
const (
	// DriverPending is the initial state.
	DriverPending DriverStatus = iota

	// DriverRunning is set once stage 1 runs.
	DriverRunning

	// DriverReturned is set once stage 1 returned to the interrupted
	// context with stage 2 running in the guest.
	DriverReturned

	// DriverFailed is set if stage 1 gave up.
	DriverFailed
)

func (s DriverStatus) String() string {
	switch s {
	case DriverPending:
		return "pending"
	case DriverRunning:
		return "running"
	case DriverReturned:
		return "returned"
	case DriverFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// Device describes a virtio-mmio device for stage 1.
type Device struct {
	Addr uint64
	GSI  uint32
}

// Params is the parameter block passed to stage 1.
type Params struct {
	Stage2GPA    uint64
	Stage2Len    uint64
	Stage2VA     uint64
	ReturnRIP    uint64
	ReturnRSP    uint64
	ReturnRFLAGS uint64
	DeviceStatus DeviceStatus
	DriverStatus DriverStatus
	Devices      []Device
}

// paramsWire is the little-endian layout of the parameter block.
type paramsWire struct {
	Magic        [8]byte
	Version      uint32
	Size         uint32
	Stage2GPA    uint64
	Stage2Len    uint64
	Stage2VA     uint64
	ReturnRIP    uint64
	ReturnRSP    uint64
	ReturnRFLAGS uint64
	DeviceCount  uint32
	DeviceStatus uint32
	DriverStatus uint32
	_            uint32
	DeviceAddrs  [MaxDevices]uint64
	DeviceGSIs   [MaxDevices]uint32
	_            [80]byte
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (p *Params) MarshalBinary() ([]byte, error) {
	if len(p.Devices) > MaxDevices {
		return nil, fmt.Errorf("%w: %d", ErrTooManyDevices, len(p.Devices))
	}

	wire := paramsWire{
		Magic:        ParamsMagic,
		Version:      ParamsVersion,
		Size:         ParamsSize,
		Stage2GPA:    p.Stage2GPA,
		Stage2Len:    p.Stage2Len,
		Stage2VA:     p.Stage2VA,
		ReturnRIP:    p.ReturnRIP,
		ReturnRSP:    p.ReturnRSP,
		ReturnRFLAGS: p.ReturnRFLAGS,
		DeviceCount:  uint32(len(p.Devices)), //nolint:gosec
		DeviceStatus: uint32(p.DeviceStatus),
		DriverStatus: uint32(p.DriverStatus),
	}

	for idx, dev := range p.Devices {
		wire.DeviceAddrs[idx] = dev.Addr
		wire.DeviceGSIs[idx] = dev.GSI
	}

	buf := bytes.NewBuffer(make([]byte, 0, ParamsSize))
	if err := binary.Write(buf, binary.LittleEndian, &wire); err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary implements [encoding.BinaryUnmarshaler].
func (p *Params) UnmarshalBinary(data []byte) error {
	if len(data) != ParamsSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidParams, len(data))
	}

	var wire paramsWire
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &wire); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}

	switch {
	case wire.Magic != ParamsMagic:
		return fmt.Errorf("%w: bad magic %q", ErrInvalidParams, wire.Magic[:])
	case wire.Version != ParamsVersion:
		return fmt.Errorf("%w: version %d", ErrInvalidParams, wire.Version)
	case wire.Size != ParamsSize:
		return fmt.Errorf("%w: size %d", ErrInvalidParams, wire.Size)
	case wire.DeviceCount > MaxDevices:
		return fmt.Errorf("%w: %d", ErrTooManyDevices, wire.DeviceCount)
	}

	*p = Params{
		Stage2GPA:    wire.Stage2GPA,
		Stage2Len:    wire.Stage2Len,
		Stage2VA:     wire.Stage2VA,
		ReturnRIP:    wire.ReturnRIP,
		ReturnRSP:    wire.ReturnRSP,
		ReturnRFLAGS: wire.ReturnRFLAGS,
		DeviceStatus: DeviceStatus(wire.DeviceStatus),
		DriverStatus: DriverStatus(wire.DriverStatus),
	}

	for idx := range wire.DeviceCount {
		p.Devices = append(p.Devices, Device{
			Addr: wire.DeviceAddrs[idx],
			GSI:  wire.DeviceGSIs[idx],
		})
	}

	return nil
}
