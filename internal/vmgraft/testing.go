// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vmgraft

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/aibor/vmgraft/internal/attach"
	"github.com/aibor/vmgraft/internal/eventloop"
	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/kvm"
	"golang.org/x/sys/unix"
)

// FakeHypervisor extends [attach.FakeHypervisor] with eventfd bindings and
// MMIO emulation for session tests. Eventfds are real, so the event loop
// works on them.
type FakeHypervisor struct {
	*attach.FakeHypervisor

	mu         sync.Mutex
	ioEventFds map[uint64]*eventloop.EventFD
	irqFds     map[uint32]*eventloop.EventFD
	window     kvm.Window
	handler    kvm.MMIOHandler
	watching   chan struct{}
	watchErr   chan error
}

// NewFakeHypervisor creates a new [FakeHypervisor].
func NewFakeHypervisor(vcpus int, mem *guestmem.BufferMemory, mapBase uint64) *FakeHypervisor {
	return &FakeHypervisor{
		FakeHypervisor: attach.NewFakeHypervisor(vcpus, mem, mapBase),
		ioEventFds:     map[uint64]*eventloop.EventFD{},
		irqFds:         map[uint32]*eventloop.EventFD{},
		watching:       make(chan struct{}),
		watchErr:       make(chan error, 1),
	}
}

// Connector returns a [ConnectFunc] that always returns the fake.
func (f *FakeHypervisor) Connector() ConnectFunc {
	return func(context.Context, kvm.Target) (Hypervisor, error) {
		return f, nil
	}
}

// Memory implements [Hypervisor].
func (f *FakeHypervisor) Memory() guestmem.Memory {
	return f.Mem
}

// newEventFD returns a new eventfd and a duplicate kept by the fake.
func newEventFD() (*os.File, *eventloop.EventFD, error) {
	efd, err := eventloop.NewEventFD()
	if err != nil {
		return nil, nil, err
	}

	dup, err := unix.Dup(efd.FD())
	if err != nil {
		_ = efd.Close()
		return nil, nil, fmt.Errorf("dup eventfd: %w", err)
	}

	return os.NewFile(uintptr(dup), "eventfd"), efd, nil
}

// IoEventFd implements [Hypervisor].
func (f *FakeHypervisor) IoEventFd(_ context.Context, addr uint64, _ uint32, _ uint64) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, efd, err := newEventFD()
	if err != nil {
		return nil, err
	}

	f.ioEventFds[addr] = efd

	return file, nil
}

// IrqFd implements [Hypervisor].
func (f *FakeHypervisor) IrqFd(_ context.Context, gsi uint32) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, efd, err := newEventFD()
	if err != nil {
		return nil, err
	}

	f.irqFds[gsi] = efd

	return file, nil
}

// WatchMMIO implements [Hypervisor]. It blocks until ctx is canceled or
// [FakeHypervisor.FailWatch] is called. Accesses are injected with
// [FakeHypervisor.MMIO].
func (f *FakeHypervisor) WatchMMIO(ctx context.Context, window kvm.Window, handler kvm.MMIOHandler) error {
	f.mu.Lock()
	f.window = window
	f.handler = handler
	close(f.watching)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil
	case err := <-f.watchErr:
		return err
	}
}

// FailWatch lets [FakeHypervisor.WatchMMIO] return err.
func (f *FakeHypervisor) FailWatch(err error) {
	f.watchErr <- err
}

// Watching is closed once MMIO emulation started.
func (f *FakeHypervisor) Watching() <-chan struct{} {
	return f.watching
}

// Window returns the emulated MMIO window.
func (f *FakeHypervisor) Window() kvm.Window {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.window
}

// MMIO emulates a guest access of len(data) bytes. For reads, the result is
// returned.
func (f *FakeHypervisor) MMIO(ctx context.Context, addr uint64, data []byte, write bool) ([]byte, error) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return nil, errors.New("mmio not watched")
	}

	exit := kvm.MMIOExit{
		PhysAddr: addr,
		Len:      uint32(len(data)), //nolint:gosec
		IsWrite:  write,
	}
	copy(exit.Data[:], data)

	if err := handler.HandleMMIO(ctx, &exit); err != nil {
		return nil, err //nolint:wrapcheck
	}

	return exit.Bytes(), nil
}

// Notify signals the ioeventfd registered for addr.
func (f *FakeHypervisor) Notify(addr uint64) error {
	f.mu.Lock()
	efd, exists := f.ioEventFds[addr]
	f.mu.Unlock()

	if !exists {
		return fmt.Errorf("no ioeventfd at %#x", addr)
	}

	return efd.Signal()
}

// Interrupts drains the irqfd of the gsi and returns its counter.
func (f *FakeHypervisor) Interrupts(gsi uint32) (uint64, error) {
	f.mu.Lock()
	efd, exists := f.irqFds[gsi]
	f.mu.Unlock()

	if !exists {
		return 0, fmt.Errorf("no irqfd for gsi %d", gsi)
	}

	return efd.Drain()
}

// Close closes the eventfds of the fake and the embedded fake.
func (f *FakeHypervisor) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error

	for _, efd := range f.ioEventFds {
		errs = append(errs, efd.Close())
	}

	for _, efd := range f.irqFds {
		errs = append(errs, efd.Close())
	}

	f.ioEventFds = map[uint64]*eventloop.EventFD{}
	f.irqFds = map[uint32]*eventloop.EventFD{}

	return errors.Join(append(errs, f.FakeHypervisor.Close(ctx))...)
}
