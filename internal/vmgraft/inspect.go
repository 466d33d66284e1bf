// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vmgraft

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aibor/vmgraft/internal/coredump"
	"github.com/aibor/vmgraft/internal/guestmem"
	"gopkg.in/yaml.v3"
)

// Report describes the KVM resources of a hypervisor process.
type Report struct {
	PID     int               `yaml:"pid"`
	VMFD    int               `yaml:"vm_fd"`
	VCPUs   []VCPUReport      `yaml:"vcpus"`
	Regions []guestmem.Region `yaml:"regions"`
}

// VCPUReport describes a vCPU at the time it was halted.
type VCPUReport struct {
	Index    int    `yaml:"index"`
	TID      int    `yaml:"tid"`
	FD       int    `yaml:"fd"`
	RIP      string `yaml:"rip"`
	RSP      string `yaml:"rsp"`
	CR3      string `yaml:"cr3"`
	LongMode bool   `yaml:"long_mode"`
	CPL      uint8  `yaml:"cpl"`
}

// haltedState halts all vCPUs, calls fn with the collected state and resumes
// all vCPUs unchanged.
func (s *session) haltedState(ctx context.Context, fn func(vcpus []coredump.VCPU) error) error {
	regs, err := s.attacher.HaltAll(ctx, s.handle)
	if err != nil {
		return err //nolint:wrapcheck
	}

	vcpus := make([]coredump.VCPU, 0, len(s.handle.VCPUs))

	for _, vcpu := range s.handle.VCPUs {
		sregs, err := s.hv.GetSRegs(ctx, vcpu.Index)
		if err != nil {
			err = fmt.Errorf("get sregs of vcpu %d: %w", vcpu.Index, err)
			return errors.Join(err, s.attacher.ResumeAll(ctx, s.handle, nil))
		}

		vcpus = append(vcpus, coredump.VCPU{
			Index: vcpu.Index,
			TID:   vcpu.TID,
			Regs:  regs[vcpu.Index],
			SRegs: sregs,
		})
	}

	return errors.Join(fn(vcpus), s.attacher.ResumeAll(ctx, s.handle, nil))
}

// Inspect writes a YAML [Report] about the process to w. The guest is
// halted briefly to read the vCPU registers.
func Inspect(ctx context.Context, host Host, pid int, memory Memory, w io.Writer) (err error) {
	s, err := openSession(ctx, host, pid, memory)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, s.close(ctx, false))
	}()

	report := Report{
		PID:     pid,
		VMFD:    s.handle.VMFD,
		Regions: s.mem.Regions(),
	}

	fds := map[int]int{}
	for _, vcpu := range s.handle.VCPUs {
		fds[vcpu.Index] = vcpu.FD
	}

	err = s.haltedState(ctx, func(vcpus []coredump.VCPU) error {
		for _, vcpu := range vcpus {
			report.VCPUs = append(report.VCPUs, VCPUReport{
				Index:    vcpu.Index,
				TID:      vcpu.TID,
				FD:       fds[vcpu.Index],
				RIP:      hex(vcpu.Regs.RIP),
				RSP:      hex(vcpu.Regs.RSP),
				CR3:      hex(vcpu.SRegs.CR3),
				LongMode: vcpu.SRegs.LongMode(),
				CPL:      vcpu.SRegs.CPL(),
			})
		}

		return nil
	})
	if err != nil {
		return err
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)

	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	return nil
}

// Coredump writes an ELF core file of the guest to w. All vCPUs are halted
// while guest memory is written.
func Coredump(ctx context.Context, host Host, pid int, memory Memory, w io.Writer) (size int64, err error) {
	s, err := openSession(ctx, host, pid, memory)
	if err != nil {
		return 0, err
	}

	defer func() {
		err = errors.Join(err, s.close(ctx, false))
	}()

	err = s.haltedState(ctx, func(vcpus []coredump.VCPU) error {
		var err error

		size, err = coredump.Write(w, s.mem, coredump.Dump{
			VCPUs:   vcpus,
			Regions: s.mem.Regions(),
		})

		return err //nolint:wrapcheck
	})

	return size, err
}
