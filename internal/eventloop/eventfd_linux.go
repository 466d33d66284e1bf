// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eventloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const counterSize = 8

// EventFD is an eventfd(2) counter.
type EventFD struct {
	file *os.File
	fd   int
}

// NewEventFD creates a new non-blocking [EventFD].
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &EventFD{file: os.NewFile(uintptr(fd), "eventfd"), fd: fd}, nil
}

// FromFile wraps an existing eventfd, like the ones bound as KVM ioeventfd
// or irqfd. The [EventFD] takes ownership of the file.
func FromFile(file *os.File) (*EventFD, error) {
	fd := int(file.Fd()) //nolint:gosec

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	return &EventFD{file: file, fd: fd}, nil
}

// FD returns the file descriptor.
func (e *EventFD) FD() int {
	return e.fd
}

// Signal adds one to the counter.
func (e *EventFD) Signal() error {
	var buf [counterSize]byte
	binary.NativeEndian.PutUint64(buf[:], 1)

	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("signal eventfd: %w", err)
	}

	return nil
}

// Drain reads and resets the counter. It returns 0 if the counter is not
// set.
func (e *EventFD) Drain() (uint64, error) {
	var buf [counterSize]byte

	_, err := unix.Read(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("drain eventfd: %w", err)
	}

	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close closes the eventfd.
func (e *EventFD) Close() error {
	return e.file.Close() //nolint:wrapcheck
}
