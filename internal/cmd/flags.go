// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/aibor/vmgraft/internal/stage"
	"github.com/aibor/vmgraft/internal/sys"
	"github.com/aibor/vmgraft/internal/vmgraft"
	"github.com/spf13/pflag"
)

const (
	defaultLockDir = "/run/lock"

	maxGSI       = 1023
	maxIOWorkers = 64
	maxPhysAddr  = 1 << 52
)

// globalFlags apply to all subcommands.
type globalFlags struct {
	config  FilePath
	lockDir string
	verbose bool
	debug   bool
}

func (f *globalFlags) register(flagSet *pflag.FlagSet) {
	flagSet.Var(&f.config, "config", "YAML file with memory layout and device configuration")
	flagSet.StringVar(&f.lockDir, "lock-dir", defaultLockDir,
		"directory for lock files claiming attached processes. Empty disables them")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "enable informational output")
	flagSet.BoolVar(&f.debug, "debug", false, "enable debug output")
}

// loadConfig returns the config file content, or an empty config if none
// is given.
func (f *globalFlags) loadConfig() (*fileConfig, error) {
	if f.config == "" {
		return &fileConfig{}, nil
	}

	return loadConfig(string(f.config))
}

// attachFlags are the flags of the attach subcommand.
type attachFlags struct {
	stage1   FilePath
	stage2   FilePath
	backings FilePathList
	readOnly bool
	shares   FilePathList
	persist  bool

	reserveAddr uint64
	reserveSize uint64
	mmioBase    uint64
	gsi         uint64
	ioWorkers   uint64
	vcpu        uint64
}

func (f *attachFlags) register(flagSet *pflag.FlagSet) {
	flagSet.Var(&f.stage1, "stage1", "ELF image run on the interrupted vCPU (required)")
	flagSet.Var(&f.stage2, "stage2", "ELF executable stage 1 loads and starts (required)")
	flagSet.Var(&f.backings, "backing",
		"file backing a block device. Flag may be used more than once. "+
			"Empty value clears the list.")
	flagSet.BoolVar(&f.readOnly, "read-only", false, "expose the --backing devices read-only")
	flagSet.Var(&f.shares, "share",
		"host file or directory packed into an archive exposed as additional "+
			"read-only device. Flag may be used more than once.")
	flagSet.BoolVar(&f.persist, "persist", false,
		"leave stage memory and vCPU state in the guest on detach once the guest driver returned")

	flagSet.Var(&LimitedUintValue{Value: &f.reserveAddr, Upper: maxPhysAddr, Align: sys.PageSize},
		"reserve-addr", "guest-physical address of the reservation for stage memory "+
			"and device windows (default above guest RAM)")
	flagSet.Var(&LimitedUintValue{Value: &f.reserveSize, Upper: maxPhysAddr, Align: sys.PageSize},
		"reserve-size", "size of the reservation (default 1 GiB)")
	flagSet.Var(&LimitedUintValue{Value: &f.mmioBase, Upper: maxPhysAddr, Align: sys.PageSize},
		"mmio-base", "guest-physical base of the device register windows "+
			"(default allocated from the reservation)")
	flagSet.Var(&LimitedUintValue{Value: &f.gsi, Upper: maxGSI},
		"gsi", "interrupt line of the first device (default "+strconv.Itoa(vmgraft.DefaultGSI)+")")
	flagSet.Var(&LimitedUintValue{Value: &f.ioWorkers, Lower: 1, Upper: maxIOWorkers},
		"io-workers", "requests in flight per device")
	flagSet.Var(&LimitedUintValue{Value: &f.vcpu, Upper: math.MaxInt32},
		"vcpu", "vCPU that runs stage 1")
}

func (f *attachFlags) validateFilePaths() error {
	if f.stage1 == "" {
		return &ParseArgsError{msg: "no stage1 given (use --stage1)"}
	}

	if err := ValidateFilePath(string(f.stage1)); err != nil {
		return fmt.Errorf("stage1: %w", err)
	}

	if f.stage2 == "" {
		return &ParseArgsError{msg: "no stage2 given (use --stage2)"}
	}

	if err := ValidateFilePath(string(f.stage2)); err != nil {
		return fmt.Errorf("stage2: %w", err)
	}

	for _, path := range f.backings {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("backing: %w", err)
		}
	}

	return nil
}

// spec builds the session spec from the config file and the flags. Flags
// that are set override config values. Devices and shares are appended.
func (f *attachFlags) spec(pid int, cfg *fileConfig, flagSet *pflag.FlagSet) (*vmgraft.Spec, error) {
	if err := f.validateFilePaths(); err != nil {
		return nil, err
	}

	spec := &vmgraft.Spec{
		PID:     pid,
		VCPU:    int(f.vcpu), //nolint:gosec
		Persist: f.persist,
	}

	cfg.apply(spec)

	for _, path := range f.backings {
		spec.Devices = append(spec.Devices, vmgraft.DeviceSpec{Path: path, ReadOnly: f.readOnly})
	}

	spec.Shares = append(spec.Shares, f.shares...)

	if flagSet.Changed("reserve-addr") {
		spec.Memory.ReserveAddr = f.reserveAddr
	}

	if flagSet.Changed("reserve-size") {
		spec.Memory.ReserveSize = f.reserveSize
	}

	if flagSet.Changed("mmio-base") {
		spec.MMIOBase = f.mmioBase
	}

	if flagSet.Changed("gsi") {
		spec.GSI = uint32(f.gsi)
	}

	if flagSet.Changed("io-workers") {
		spec.IOWorkers = int(f.ioWorkers) //nolint:gosec
	}

	if n := len(spec.Devices) + min(len(spec.Shares), 1); n > stage.MaxDevices {
		return nil, &ParseArgsError{msg: fmt.Sprintf("%d devices given, at most %d supported", n, stage.MaxDevices)}
	}

	var err error

	spec.Stage1, err = os.ReadFile(string(f.stage1))
	if err != nil {
		return nil, fmt.Errorf("read stage1: %w", err)
	}

	spec.Stage2, err = os.ReadFile(string(f.stage2))
	if err != nil {
		return nil, fmt.Errorf("read stage2: %w", err)
	}

	return spec, nil
}

func parsePID(arg string) (int, error) {
	pid, err := strconv.Atoi(arg)
	if err != nil || pid <= 0 {
		return 0, &ParseArgsError{msg: "pid " + strconv.Quote(arg), err: ErrInvalidPID}
	}

	return pid, nil
}
