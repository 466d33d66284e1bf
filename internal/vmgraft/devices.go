// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vmgraft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aibor/vmgraft/internal/eventloop"
	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/aibor/vmgraft/internal/shareimage"
	"github.com/aibor/vmgraft/internal/stage"
	"github.com/aibor/vmgraft/internal/sys"
	"github.com/aibor/vmgraft/internal/virtio"
	"github.com/aibor/vmgraft/internal/virtio/block"
)

// queueNotifyWidth is the access width of QueueNotify writes.
const queueNotifyWidth = 4

type device struct {
	block     *block.Device
	transport *virtio.MMIOTransport
	backing   *os.File
	notifier  *eventloop.EventFD
	irq       *eventloop.EventFD
	gsi       uint32
}

func (d *device) close() error {
	var errs []error

	if d.notifier != nil {
		errs = append(errs, d.notifier.Close())
	}

	if d.irq != nil {
		errs = append(errs, d.irq.Close())
	}

	if d.backing != nil {
		errs = append(errs, d.backing.Close())
	}

	return errors.Join(errs...)
}

// deviceSet is the set of devices of a session with consecutive register
// windows.
type deviceSet struct {
	loop    *eventloop.Loop
	window  kvm.Window
	devices []*device
	share   string
}

type backingSpec struct {
	path     string
	readOnly bool
	id       string
}

func openBacking(spec backingSpec) (*os.File, uint64, error) {
	flag := os.O_RDWR
	if spec.readOnly {
		flag = os.O_RDONLY
	}

	file, err := os.OpenFile(spec.path, flag, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("open backing: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("stat backing: %w", err)
	}

	return file, uint64(info.Size()), nil //nolint:gosec
}

// newDeviceSet creates the devices and binds their notifiers and interrupts
// in the hypervisor. Windows are allocated from the reservation unless spec
// has an MMIO base.
func newDeviceSet(
	ctx context.Context,
	spec *Spec,
	hv Hypervisor,
	mem *guestmem.Translator,
	res *stage.Reservation,
	loop *eventloop.Loop,
) (*deviceSet, error) {
	set := &deviceSet{loop: loop}

	var specs []backingSpec
	for _, dev := range spec.Devices {
		specs = append(specs, backingSpec{path: dev.Path, readOnly: dev.ReadOnly, id: dev.ID})
	}

	if len(spec.Shares) > 0 {
		path, err := writeShareImage(spec.Shares, spec.TempDir)
		if err != nil {
			return nil, err
		}

		set.share = path
		specs = append(specs, backingSpec{path: path, readOnly: true})
	}

	if len(specs) == 0 {
		return set, nil
	}

	base, err := windowBase(spec, mem, res, len(specs))
	if err != nil {
		return nil, errors.Join(err, set.close())
	}

	set.window = kvm.WindowFor(base, len(specs))

	for idx, bs := range specs {
		dev, err := set.add(ctx, spec, hv, mem, bs, base+uint64(idx)*sys.PageSize, spec.GSI+uint32(idx)) //nolint:gosec
		if err != nil {
			return nil, errors.Join(fmt.Errorf("device %d: %w", idx, err), set.close())
		}

		slog.Info("Device ready",
			slog.Int("index", idx),
			slog.String("backing", bs.path),
			slog.String("mmio", hex(dev.transport.Base())),
			slog.Int("gsi", int(dev.gsi)),
			slog.String("id", dev.block.ID()))
	}

	return set, nil
}

func windowBase(spec *Spec, mem *guestmem.Translator, res *stage.Reservation, count int) (uint64, error) {
	size := uint64(count) * sys.PageSize //nolint:gosec

	if spec.MMIOBase == 0 {
		return res.Alloc(size, sys.PageSize) //nolint:wrapcheck
	}

	if spec.MMIOBase%sys.PageSize != 0 {
		return 0, fmt.Errorf("%w: mmio base %#x not page aligned", ErrInvalidSpec, spec.MMIOBase)
	}

	for _, region := range mem.Regions() {
		if sys.Overlaps(spec.MMIOBase, size, region.GPA, region.Size) {
			return 0, fmt.Errorf("%w: %#x+%#x and %s", ErrMMIOOverlap, spec.MMIOBase, size, region)
		}
	}

	if sys.Overlaps(spec.MMIOBase, size, res.GPA, res.Size) {
		return 0, fmt.Errorf("%w: %#x+%#x and reservation", ErrMMIOOverlap, spec.MMIOBase, size)
	}

	return spec.MMIOBase, nil
}

func (s *deviceSet) add(
	ctx context.Context,
	spec *Spec,
	hv Hypervisor,
	mem *guestmem.Translator,
	bs backingSpec,
	base uint64,
	gsi uint32,
) (*device, error) {
	backing, size, err := openBacking(bs)
	if err != nil {
		return nil, err
	}

	dev := &device{backing: backing, gsi: gsi}
	s.devices = append(s.devices, dev)

	dev.block, err = block.NewDevice(mem, block.Config{
		Backing:  backing,
		Size:     size,
		ReadOnly: bs.readOnly,
		Workers:  spec.IOWorkers,
		ID:       bs.id,
	})
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	irqFile, err := hv.IrqFd(ctx, gsi)
	if err != nil {
		return nil, fmt.Errorf("irqfd: %w", err)
	}

	dev.irq, err = eventloop.FromFile(irqFile)
	if err != nil {
		_ = irqFile.Close()
		return nil, err //nolint:wrapcheck
	}

	notifyFile, err := hv.IoEventFd(ctx, base+virtio.RegQueueNotify, queueNotifyWidth, 0)
	if err != nil {
		return nil, fmt.Errorf("ioeventfd: %w", err)
	}

	dev.notifier, err = eventloop.FromFile(notifyFile)
	if err != nil {
		_ = notifyFile.Close()
		return nil, err //nolint:wrapcheck
	}

	dev.transport = virtio.NewMMIOTransport(dev.block, dev.irq, base)

	if err := s.loop.WatchQueue(dev.notifier, dev.block, 0); err != nil {
		return nil, err //nolint:wrapcheck
	}

	return dev, nil
}

// stageDevices returns the device list for the parameter block.
func (s *deviceSet) stageDevices() []stage.Device {
	devices := make([]stage.Device, 0, len(s.devices))
	for _, dev := range s.devices {
		devices = append(devices, stage.Device{Addr: dev.transport.Base(), GSI: dev.gsi})
	}

	return devices
}

// HandleMMIO implements [kvm.MMIOHandler]. Accesses are passed to the
// transport on the event loop goroutine.
func (s *deviceSet) HandleMMIO(ctx context.Context, exit *kvm.MMIOExit) error {
	if !s.window.Contains(exit.PhysAddr, exit.Len) {
		return fmt.Errorf("%w: %#x outside device windows", virtio.ErrAccess, exit.PhysAddr)
	}

	dev := s.devices[(exit.PhysAddr-s.window.Base)/sys.PageSize]

	return s.loop.Call(ctx, func(ctx context.Context) error { //nolint:wrapcheck
		return dev.transport.HandleMMIO(ctx, exit)
	})
}

// wait waits for all requests in flight.
func (s *deviceSet) wait() {
	for _, dev := range s.devices {
		if dev.block != nil {
			dev.block.Wait()
		}
	}
}

func (s *deviceSet) close() error {
	var errs []error

	for _, dev := range s.devices {
		errs = append(errs, dev.close())
	}

	if s.share != "" {
		errs = append(errs, os.Remove(s.share))
	}

	return errors.Join(errs...)
}

func writeShareImage(paths []string, dir string) (string, error) {
	img := shareimage.New()
	if err := img.Add(paths...); err != nil {
		return "", fmt.Errorf("share image: %w", err)
	}

	file, _, err := img.WriteToTempFile(dir)
	if err != nil {
		return "", fmt.Errorf("share image: %w", err)
	}

	// The device opens the image read-only by path.
	if err := file.Close(); err != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("share image: %w", err)
	}

	return file.Name(), nil
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
