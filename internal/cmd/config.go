// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/vmgraft"
	"gopkg.in/yaml.v3"
)

type memoryConfig struct {
	Regions     []guestmem.Region `yaml:"regions"`
	LowMemLimit uint64            `yaml:"low_mem_limit"`
	ReserveAddr uint64            `yaml:"reserve_addr"`
	ReserveSize uint64            `yaml:"reserve_size"`
}

type deviceConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only"`
	ID       string `yaml:"id"`
}

// fileConfig is the content of the YAML file given with --config. Relative
// paths are relative to the directory of the file.
type fileConfig struct {
	Memory    memoryConfig   `yaml:"memory"`
	MMIOBase  uint64         `yaml:"mmio_base"`
	GSI       uint32         `yaml:"gsi"`
	IOWorkers int            `yaml:"io_workers"`
	Devices   []deviceConfig `yaml:"devices"`
	Shares    []string       `yaml:"shares"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := parseConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg.resolvePaths(filepath.Dir(path))

	return cfg, nil
}

func parseConfig(r io.Reader) (*fileConfig, error) {
	var cfg fileConfig

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	return &cfg, nil
}

func (c *fileConfig) resolvePaths(dir string) {
	resolve := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}

		return filepath.Join(dir, path)
	}

	for idx := range c.Devices {
		c.Devices[idx].Path = resolve(c.Devices[idx].Path)
	}

	for idx := range c.Shares {
		c.Shares[idx] = resolve(c.Shares[idx])
	}
}

func (c *fileConfig) memory() vmgraft.Memory {
	return vmgraft.Memory{
		Regions:     c.Memory.Regions,
		LowMemLimit: c.Memory.LowMemLimit,
		ReserveAddr: c.Memory.ReserveAddr,
		ReserveSize: c.Memory.ReserveSize,
	}
}

// apply sets the configured values in spec.
func (c *fileConfig) apply(spec *vmgraft.Spec) {
	spec.Memory = c.memory()
	spec.MMIOBase = c.MMIOBase
	spec.GSI = c.GSI
	spec.IOWorkers = c.IOWorkers
	spec.Shares = append(spec.Shares, c.Shares...)

	for _, dev := range c.Devices {
		spec.Devices = append(spec.Devices, vmgraft.DeviceSpec{
			Path:     dev.Path,
			ReadOnly: dev.ReadOnly,
			ID:       dev.ID,
		})
	}
}
