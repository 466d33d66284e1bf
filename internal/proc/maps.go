// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"
	"strings"
)

var errMapsFormat = errors.New("unexpected format")

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Inode  uint64
	Path   string
}

// Size returns the length of the mapping in bytes.
func (m Mapping) Size() uint64 {
	return m.End - m.Start
}

// Readable reports whether the mapping is readable.
func (m Mapping) Readable() bool {
	return len(m.Perms) > 0 && m.Perms[0] == 'r'
}

// Writable reports whether the mapping is writable.
func (m Mapping) Writable() bool {
	return len(m.Perms) > 1 && m.Perms[1] == 'w'
}

// Private reports whether the mapping is private copy-on-write.
func (m Mapping) Private() bool {
	return len(m.Perms) > 3 && m.Perms[3] == 'p'
}

// Anonymous reports whether the mapping is not backed by a file. Shared
// memory backends of hypervisors (memfd) are reported as anonymous, too.
func (m Mapping) Anonymous() bool {
	return m.Inode == 0 || strings.HasPrefix(m.Path, "/memfd:")
}

// Contains reports whether the host virtual address is inside the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// ReadMaps reads the memory mappings of the process with the given pid.
func ReadMaps(fsys fs.FS, pid int) ([]Mapping, error) {
	name := path.Join(strconv.Itoa(pid), "maps")

	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read maps: %w", err)
	}

	return ParseMaps(bytes.NewReader(data))
}

// ParseMaps parses the format of /proc/<pid>/maps.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping

	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		mapping, err := parseMapsLine(line)
		if err != nil {
			return nil, &ParseError{File: "maps", Line: lineNum, Err: err}
		}

		mappings = append(mappings, mapping)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan maps: %w", err)
	}

	return mappings, nil
}

func parseMapsLine(line string) (Mapping, error) {
	const minFields = 5

	fields := strings.Fields(line)
	if len(fields) < minFields {
		return Mapping{}, errMapsFormat
	}

	start, end, found := strings.Cut(fields[0], "-")
	if !found {
		return Mapping{}, fmt.Errorf("%w: address range %q", errMapsFormat, fields[0])
	}

	var (
		mapping Mapping
		err     error
	)

	if mapping.Start, err = strconv.ParseUint(start, 16, 64); err != nil {
		return Mapping{}, fmt.Errorf("start address: %w", err)
	}

	if mapping.End, err = strconv.ParseUint(end, 16, 64); err != nil {
		return Mapping{}, fmt.Errorf("end address: %w", err)
	}

	if mapping.End < mapping.Start {
		return Mapping{}, fmt.Errorf("%w: end before start", errMapsFormat)
	}

	mapping.Perms = fields[1]

	if mapping.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return Mapping{}, fmt.Errorf("offset: %w", err)
	}

	if mapping.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return Mapping{}, fmt.Errorf("inode: %w", err)
	}

	if len(fields) > minFields {
		mapping.Path = strings.Join(fields[minFields:], " ")
	}

	return mapping, nil
}
