// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package block

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/virtio"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Block specific feature bits.
const (
	FeatureSizeMax uint64 = 1 << 1
	FeatureSegMax  uint64 = 1 << 2
	FeatureRO      uint64 = 1 << 5
	FeatureBlkSize uint64 = 1 << 6
	FeatureFlush   uint64 = 1 << 9
)

// Device defaults.
const (
	DefaultQueueSize = 256
	DefaultWorkers   = 4

	configSize = 24
	idPrefix   = "vmgraft-"
)

// Backing is the storage of a [Device]. If it implements Sync() error, it is
// called for flush requests.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// Config is the [Device] configuration.
type Config struct {
	Backing  Backing
	Size     uint64
	ReadOnly bool

	// Workers is the maximum number of requests in flight.
	Workers int

	// ID returned for GET_ID requests. A unique one is generated if empty.
	ID string
}

// Device is a virtio block device.
type Device struct {
	mem      *guestmem.Translator
	backing  Backing
	size     uint64
	readOnly bool
	id       [IDLen]byte
	workers  errgroup.Group

	mu        sync.Mutex
	queue     *virtio.Queue
	seq       *sequencer
	interrupt func() error
}

var _ virtio.Device = (*Device)(nil)

// NewDevice creates a new [Device].
func NewDevice(mem *guestmem.Translator, cfg Config) (*Device, error) {
	if cfg.Size == 0 || cfg.Size%SectorSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBackingSize, cfg.Size)
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	if cfg.ID == "" {
		cfg.ID = idPrefix + uuid.NewString()
	}

	dev := &Device{
		mem:      mem,
		backing:  cfg.Backing,
		size:     cfg.Size,
		readOnly: cfg.ReadOnly,
	}
	dev.workers.SetLimit(cfg.Workers)
	copy(dev.id[:], cfg.ID)

	return dev, nil
}

// ID returns the device ID.
func (d *Device) ID() string {
	return string(d.id[:])
}

// DeviceID implements [virtio.Device].
func (*Device) DeviceID() uint32 {
	return virtio.DeviceIDBlock
}

// Features implements [virtio.Device].
func (d *Device) Features() uint64 {
	features := virtio.FeatureVersion1 |
		virtio.FeatureRingEventIdx |
		virtio.FeatureRingIndirectDesc |
		FeatureSizeMax |
		FeatureSegMax |
		FeatureBlkSize |
		FeatureFlush

	if d.readOnly {
		features |= FeatureRO
	}

	return features
}

// NumQueues implements [virtio.Device].
func (*Device) NumQueues() int {
	return 1
}

// MaxQueueSize implements [virtio.Device].
func (*Device) MaxQueueSize() uint16 {
	return DefaultQueueSize
}

// ReadConfig implements [virtio.Device].
func (d *Device) ReadConfig(offset uint32, data []byte) {
	var config [configSize]byte

	binary.LittleEndian.PutUint64(config[0:], d.size/SectorSize)
	binary.LittleEndian.PutUint32(config[8:], SizeMax)
	binary.LittleEndian.PutUint32(config[12:], SegMax)
	binary.LittleEndian.PutUint32(config[20:], SectorSize)

	if offset < configSize {
		copy(data, config[offset:])
	}
}

// WriteConfig implements [virtio.Device]. The configuration is read-only.
func (*Device) WriteConfig(_ uint32, _ []byte) {}

// Configure implements [virtio.Device].
func (d *Device) Configure(state virtio.DeviceState) error {
	if len(state.Queues) != 1 {
		return fmt.Errorf("%w: %d", ErrQueueCount, len(state.Queues))
	}

	queue, err := virtio.NewQueue(d.mem, state.Queues[0], state.Features)
	if err != nil {
		return fmt.Errorf("queue 0: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.queue = queue
	d.interrupt = state.Interrupt
	d.seq = newSequencer(func(completed []used) {
		d.post(queue, completed)
	})

	return nil
}

// Reset implements [virtio.Device].
func (d *Device) Reset() {
	d.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.queue = nil
	d.seq = nil
	d.interrupt = nil
}

// Wait waits for all requests in flight.
func (d *Device) Wait() {
	// Workers never return errors.
	_ = d.workers.Wait()
}

// HandleNotify implements [virtio.Device]. Requests are executed on the
// worker pool. It blocks while the pool is exhausted.
func (d *Device) HandleNotify(ctx context.Context, queueIdx uint16) error {
	d.mu.Lock()
	queue, seq := d.queue, d.seq
	d.mu.Unlock()

	if queue == nil || queueIdx != 0 {
		return ErrNotConfigured
	}

	for ctx.Err() == nil {
		chain, err := queue.Pop()

		var chainErr *virtio.ChainError

		switch {
		case errors.As(err, &chainErr):
			slog.Warn("Malformed block request",
				slog.Int("head", int(chainErr.Head)),
				slog.String("error", chainErr.Err.Error()))

			seq.complete(seq.reserve(), chainErr.Head, d.fail(chainErr.Partial))

			continue
		case err != nil:
			return fmt.Errorf("pop: %w", err)
		case chain == nil:
			return nil
		}

		num := seq.reserve()

		d.workers.Go(func() error {
			seq.complete(num, chain.Head, d.process(chain))
			return nil
		})
	}

	return ctx.Err() //nolint:wrapcheck
}

// process executes the request of the chain and returns the number of bytes
// written into the chain.
func (d *Device) process(chain *virtio.Chain) uint32 {
	req, err := d.parse(chain)
	if err != nil {
		slog.Warn("Malformed block request",
			slog.Int("head", int(chain.Head)),
			slog.String("error", err.Error()))

		return d.fail(*chain)
	}

	comp := d.Service(req)

	if err := d.writeStatus(*chain, comp.Status); err != nil {
		slog.Warn("Write block status", slog.String("error", err.Error()))

		return 0
	}

	return comp.Written + 1
}

func (d *Device) parse(chain *virtio.Chain) (Request, error) {
	readable, writable := chain.Readable.Len(), chain.Writable.Len()

	if readable < headerSize {
		return Request{}, fmt.Errorf("%w: header of %d bytes", errMalformed, readable)
	}

	if writable < 1 {
		return Request{}, fmt.Errorf("%w: no status byte", errMalformed)
	}

	header, err := chain.Readable.Gather(d.mem, 0, headerSize)
	if err != nil {
		return Request{}, err //nolint:wrapcheck
	}

	typ, sector := parseHeader(header)
	req := Request{
		Type:   typ,
		Sector: sector,
		Data:   chain.Writable.Slice(0, writable-1),
	}

	if typ == RequestOut {
		req.Data = chain.Readable.Slice(headerSize, readable-headerSize)
	}

	return req, nil
}

// fail completes a chain with IOERR if it has a status byte.
func (d *Device) fail(chain virtio.Chain) uint32 {
	if chain.Writable.Len() == 0 {
		return 0
	}

	if err := d.writeStatus(chain, StatusIOErr); err != nil {
		slog.Warn("Write block status", slog.String("error", err.Error()))
		return 0
	}

	return 1
}

// writeStatus writes the status into the last writable byte.
func (d *Device) writeStatus(chain virtio.Chain, status uint8) error {
	return chain.Writable.Scatter(d.mem, chain.Writable.Len()-1, []byte{status}) //nolint:wrapcheck
}

// post pushes completions to the used ring and raises an interrupt if the
// driver wants one.
func (d *Device) post(queue *virtio.Queue, completed []used) {
	for _, u := range completed {
		if err := queue.Push(u.head, u.written); err != nil {
			slog.Warn("Push block completion", slog.String("error", err.Error()))
			return
		}
	}

	notify, err := queue.NeedsNotification()
	if err != nil {
		slog.Warn("Check notification", slog.String("error", err.Error()))
	}

	d.mu.Lock()
	interrupt := d.interrupt
	d.mu.Unlock()

	if !notify || interrupt == nil {
		return
	}

	if err := interrupt(); err != nil {
		slog.Warn("Raise interrupt", slog.String("error", err.Error()))
	}
}

func (d *Device) logRequestError(req Request, err error) {
	slog.Info("Block request failed",
		slog.Uint64("type", uint64(req.Type)),
		slog.Uint64("sector", req.Sector),
		slog.String("error", err.Error()))
}
