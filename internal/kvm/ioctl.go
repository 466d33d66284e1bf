// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kvm

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	kvmio = 0xae
)

func request(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | kvmio<<iocTypeShift | nr<<iocNRShift
}

func requestNone(nr uintptr) uintptr {
	return request(iocNone, nr, 0)
}

func requestRead(nr, size uintptr) uintptr {
	return request(iocRead, nr, size)
}

func requestWrite(nr, size uintptr) uintptr {
	return request(iocWrite, nr, size)
}

// KVM ioctl requests.
var (
	CheckExtension      = requestNone(0x03)
	GetVCPUMmapSize     = requestNone(0x04)
	SetUserMemoryRegion = requestWrite(0x46, UserspaceMemoryRegionSize)
	IrqFd               = requestWrite(0x76, IrqFdSize)
	IoEventFd           = requestWrite(0x79, IoEventFdSize)
	Run                 = requestNone(0x80)
	GetRegs             = requestRead(0x81, RegsSize)
	SetRegs             = requestWrite(0x82, RegsSize)
	GetSRegs            = requestRead(0x83, SRegsSize)
	SetSRegs            = requestWrite(0x84, SRegsSize)
)

// Extensions queried with [CheckExtension].
const (
	CapIrqFd     = 32
	CapIoEventFd = 36
)
