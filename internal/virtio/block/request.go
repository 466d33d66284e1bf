// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/aibor/vmgraft/internal/virtio"
)

// SectorSize is the unit of request offsets and capacity.
const SectorSize = 512

// Request types.
const (
	RequestIn    = 0
	RequestOut   = 1
	RequestFlush = 4
	RequestGetID = 8
)

// Request completion status values.
const (
	StatusOK     = 0
	StatusIOErr  = 1
	StatusUnsupp = 2
)

const headerSize = 16

// IDLen is the length of the device ID returned for GET_ID requests.
const IDLen = 20

// Transfer limits. The driver learns SegMax and SizeMax from the device
// configuration, so it never builds requests larger than MaxRequestSize.
const (
	SegMax         = DefaultQueueSize - 2
	SizeMax        = 4096
	MaxRequestSize = SegMax * SizeMax

	// ChunkSize is the size of the host buffer a request is moved through.
	ChunkSize = 64 << 10
)

// Request is a parsed block request.
type Request struct {
	Type   uint32
	Sector uint64

	// Data is the data area of the request in guest memory: the payload of
	// OUT requests, the buffers IN and GET_ID responses are written to.
	// Header and status byte are not part of it.
	Data virtio.Buffers
}

// Completion is the result of a [Request].
type Completion struct {
	Status uint8

	// Written is the number of bytes written into the data area.
	Written uint32
}

func parseHeader(data []byte) (uint32, uint64) {
	return binary.LittleEndian.Uint32(data[0:]), binary.LittleEndian.Uint64(data[8:])
}

// Service executes the request against the backing. Data is moved between
// backing and guest memory in chunks of at most [ChunkSize] bytes.
func (d *Device) Service(req Request) Completion {
	switch req.Type {
	case RequestIn:
		return d.serviceIn(req)
	case RequestOut:
		return d.serviceOut(req)
	case RequestFlush:
		return d.serviceFlush()
	case RequestGetID:
		return d.serviceGetID(req)
	default:
		return Completion{Status: StatusUnsupp}
	}
}

// checkTransfer validates the data area of a transfer and returns the byte
// offset in the backing.
func (d *Device) checkTransfer(sector uint64, data virtio.Buffers) (int64, error) {
	if len(data) > SegMax {
		return 0, fmt.Errorf("%w: %d segments exceed %d", errMalformed, len(data), SegMax)
	}

	n := data.Len()

	if n > MaxRequestSize {
		return 0, fmt.Errorf("%w: %d bytes exceed %d", errMalformed, n, MaxRequestSize)
	}

	if n%SectorSize != 0 {
		return 0, fmt.Errorf("%w: length %d not a multiple of the sector size", errMalformed, n)
	}

	if sector > d.size/SectorSize || n > d.size-sector*SectorSize {
		return 0, fmt.Errorf("%w: %d bytes at sector %d beyond capacity", errMalformed, n, sector)
	}

	return int64(sector * SectorSize), nil //nolint:gosec
}

// transfer calls fn for consecutive chunks of n bytes with the chunk
// position.
func transfer(n uint64, fn func(chunk []byte, pos uint64) error) error {
	buf := make([]byte, min(n, ChunkSize))

	for pos := uint64(0); pos < n; {
		chunk := buf[:min(n-pos, uint64(len(buf)))]
		if err := fn(chunk, pos); err != nil {
			return err
		}

		pos += uint64(len(chunk))
	}

	return nil
}

func (d *Device) serviceIn(req Request) Completion {
	off, err := d.checkTransfer(req.Sector, req.Data)
	if err != nil {
		d.logRequestError(req, err)
		return Completion{Status: StatusIOErr}
	}

	n := req.Data.Len()

	err = transfer(n, func(chunk []byte, pos uint64) error {
		read, err := d.backing.ReadAt(chunk, off+int64(pos)) //nolint:gosec
		if err != nil && !(errors.Is(err, io.EOF) && read == len(chunk)) {
			return fmt.Errorf("read backing: %w", err)
		}

		return req.Data.Scatter(d.mem, pos, chunk) //nolint:wrapcheck
	})
	if err != nil {
		d.logRequestError(req, err)
		return Completion{Status: StatusIOErr}
	}

	return Completion{Status: StatusOK, Written: uint32(n)}
}

func (d *Device) serviceOut(req Request) Completion {
	if d.readOnly {
		d.logRequestError(req, errors.New("read-only device"))
		return Completion{Status: StatusIOErr}
	}

	off, err := d.checkTransfer(req.Sector, req.Data)
	if err != nil {
		d.logRequestError(req, err)
		return Completion{Status: StatusIOErr}
	}

	err = transfer(req.Data.Len(), func(chunk []byte, pos uint64) error {
		if err := req.Data.GatherInto(d.mem, pos, chunk); err != nil {
			return err //nolint:wrapcheck
		}

		if _, err := d.backing.WriteAt(chunk, off+int64(pos)); err != nil { //nolint:gosec
			return fmt.Errorf("write backing: %w", err)
		}

		return nil
	})
	if err != nil {
		d.logRequestError(req, err)
		return Completion{Status: StatusIOErr}
	}

	return Completion{Status: StatusOK}
}

func (d *Device) serviceGetID(req Request) Completion {
	id := d.id[:min(req.Data.Len(), IDLen)]

	if err := req.Data.Scatter(d.mem, 0, id); err != nil {
		d.logRequestError(req, err)
		return Completion{Status: StatusIOErr}
	}

	return Completion{Status: StatusOK, Written: uint32(len(id))} //nolint:gosec
}

type syncer interface {
	Sync() error
}

func (d *Device) serviceFlush() Completion {
	s, ok := d.backing.(syncer)
	if !ok {
		return Completion{Status: StatusOK}
	}

	if err := s.Sync(); err != nil {
		d.logRequestError(Request{Type: RequestFlush}, err)
		return Completion{Status: StatusIOErr}
	}

	return Completion{Status: StatusOK}
}
