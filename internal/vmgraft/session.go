// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vmgraft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aibor/vmgraft/internal/attach"
	"github.com/aibor/vmgraft/internal/eventloop"
	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/aibor/vmgraft/internal/proc"
	"github.com/aibor/vmgraft/internal/stage"
	"golang.org/x/sync/errgroup"
)

// session is an attachment with a memory translator.
type session struct {
	attacher *attach.Attacher
	handle   *attach.Handle
	hv       Hypervisor
	mem      *guestmem.Translator
}

func openSession(ctx context.Context, host Host, pid int, memory Memory) (*session, error) {
	var hv Hypervisor

	connect := func(ctx context.Context, target kvm.Target) (attach.Hypervisor, error) {
		conn, err := host.Connect(ctx, target)
		if err != nil {
			return nil, err
		}

		hv = conn

		return conn, nil
	}

	attacher := attach.NewAttacher(host.ProcFS, connect, host.Registry)

	handle, err := attacher.Attach(ctx, pid)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	s := &session{
		attacher: attacher,
		handle:   handle,
		hv:       hv,
	}

	regions := memory.Regions
	if len(regions) == 0 {
		regions, err = discoverRegions(host, pid, memory.LowMemLimit)
		if err != nil {
			return nil, errors.Join(err, s.close(ctx, false))
		}
	}

	s.mem, err = guestmem.NewTranslator(hv.Memory(), handle, regions)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("translator: %w", err), s.close(ctx, false))
	}

	for _, region := range s.mem.Regions() {
		slog.Debug("Guest memory region", slog.String("region", region.String()))
	}

	return s, nil
}

func discoverRegions(host Host, pid int, lowMemLimit uint64) ([]guestmem.Region, error) {
	mappings, err := proc.ReadMaps(host.ProcFS, pid)
	if err != nil {
		return nil, fmt.Errorf("read mappings: %w", err)
	}

	regions, err := guestmem.Discover(mappings, lowMemLimit)
	if err != nil {
		return nil, fmt.Errorf("discover guest memory: %w", err)
	}

	return regions, nil
}

// close detaches. It uses a context that is not canceled with ctx, so the
// guest is restored on cancellation.
func (s *session) close(ctx context.Context, persist bool) error {
	ctx = context.WithoutCancel(ctx)

	//nolint:wrapcheck
	return s.attacher.Detach(ctx, s.handle, attach.DetachOptions{Persist: persist})
}

// Attach runs a session as described by spec until ctx is canceled or the
// guest driver fails.
//
// The stage is removed from the guest and all vCPU registers are restored
// on return, unless [Spec.Persist] is set and the guest driver returned.
func Attach(ctx context.Context, host Host, spec *Spec) (err error) {
	spec.setDefaults()

	if err := spec.validate(); err != nil {
		return err
	}

	s, err := openSession(ctx, host, spec.PID, spec.Memory)
	if err != nil {
		return err
	}

	// Only a successfully injected stage is left in place.
	persist := false

	defer func() {
		err = errors.Join(err, s.close(ctx, persist))
	}()

	res, err := stage.PlanReservation(s.mem.Regions(), spec.Memory.ReserveAddr, spec.Memory.ReserveSize)
	if err != nil {
		return fmt.Errorf("plan reservation: %w", err)
	}

	slog.Debug("Reservation",
		slog.String("gpa", hex(res.GPA)),
		slog.String("size", hex(res.Size)))

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("event loop: %w", err)
	}
	defer loop.Close() //nolint:errcheck

	devices, err := newDeviceSet(ctx, spec, s.hv, s.mem, res, loop)
	if err != nil {
		return err
	}

	defer func() {
		devices.wait()
		err = errors.Join(err, devices.close())
	}()

	injector := stage.NewInjector(s.attacher, s.hv, s.mem, stage.Config{
		Reservation: res,
		Slot:        spec.Slot,
		VCPU:        spec.VCPU,
		Devices:     devices.stageDevices(),
	})

	inj, err := injector.Inject(ctx, s.handle, spec.Stage1, spec.Stage2)
	if err != nil {
		return err //nolint:wrapcheck
	}

	if err := inj.SetDeviceStatus(s.mem, stage.DevicesReady); err != nil {
		return errors.Join(err, injector.Remove(context.WithoutCancel(ctx), s.handle, inj))
	}

	runErr := s.serve(ctx, spec, devices, loop, inj)

	devices.wait()

	if runErr != nil && !errors.Is(runErr, ErrDriverFailed) {
		runErr = errors.Join(runErr, inj.SetDeviceStatus(s.mem, stage.DevicesFailed))
	}

	if spec.Persist {
		status, err := inj.DriverStatus(s.mem)
		if err == nil && status == stage.DriverReturned {
			persist = true

			slog.Info("Leaving stage in guest", slog.String("gpa", hex(inj.Slot.GuestPhysAddr)))

			return runErr
		}

		slog.Warn("Removing stage, driver did not return",
			slog.String("driver", status.String()),
			slog.Any("error", err))
	}

	return errors.Join(runErr, injector.Remove(context.WithoutCancel(ctx), s.handle, inj))
}

// serve runs the event loop, the MMIO emulation and the driver status
// monitor until ctx is canceled or one of them fails.
func (s *session) serve(
	ctx context.Context,
	spec *Spec,
	devices *deviceSet,
	loop *eventloop.Loop,
	inj *stage.Injected,
) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return loop.Run(groupCtx)
	})

	if len(devices.devices) > 0 {
		group.Go(func() error {
			return s.hv.WatchMMIO(groupCtx, devices.window, devices)
		})
	}

	group.Go(func() error {
		return s.monitorDriver(groupCtx, inj, spec.driverPollInterval)
	})

	slog.Info("Serving devices", slog.Int("pid", spec.PID), slog.Int("devices", len(devices.devices)))

	if err := group.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

// monitorDriver follows the driver status in the parameter block. As soon as
// stage 1 returned to the interrupted context, the stage vCPU is released, so
// detaching keeps its state.
func (s *session) monitorDriver(ctx context.Context, inj *stage.Injected, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := stage.DriverPending

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		status, err := inj.DriverStatus(s.mem)
		if err != nil {
			return err //nolint:wrapcheck
		}

		if status == last {
			continue
		}

		slog.Info("Guest driver status changed",
			slog.String("from", last.String()),
			slog.String("to", status.String()))

		last = status

		if status >= stage.DriverReturned {
			s.handle.Release(inj.VCPU)
		}

		switch status {
		case stage.DriverFailed:
			return ErrDriverFailed
		case stage.DriverReturned:
			return nil
		}
	}
}
