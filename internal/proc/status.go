// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proc

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
)

// Status holds the fields of /proc/<pid>/status that are of interest.
type Status struct {
	Name      string
	TracerPID int
}

// ReadStatus reads the status of the process with the given pid.
func ReadStatus(fsys fs.FS, pid int) (Status, error) {
	data, err := fs.ReadFile(fsys, path.Join(strconv.Itoa(pid), "status"))
	if err != nil {
		return Status{}, fmt.Errorf("read status: %w", err)
	}

	var status Status

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0

	for scanner.Scan() {
		lineNum++

		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}

		value = strings.TrimSpace(value)

		switch key {
		case "Name":
			status.Name = value
		case "TracerPid":
			status.TracerPID, err = strconv.Atoi(value)
			if err != nil {
				return Status{}, &ParseError{File: "status", Line: lineNum, Err: err}
			}
		}
	}

	return status, nil
}
