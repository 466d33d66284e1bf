// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package attach_test

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/aibor/vmgraft/internal/attach"
	"github.com/aibor/vmgraft/internal/guestmem"
	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/aibor/vmgraft/internal/proc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPID = 4242

type errFS struct {
	err error
}

func (e errFS) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: e.err}
}

func newTestAttacher(t *testing.T, vcpus int) (*attach.Attacher, *attach.FakeHypervisor) {
	t.Helper()

	mem := guestmem.NewBufferMemory(0x1000_0000, 0x10_0000)
	hv := attach.NewFakeHypervisor(vcpus, mem, mem.Base)
	fsys := proc.WithReadLinkNoFollowOpen(attach.FakeProcFS(testPID, vcpus))

	return attach.NewAttacher(fsys, hv.Connector(), nil), hv
}

func TestAttach(t *testing.T) {
	attacher, hv := newTestAttacher(t, 2)

	handle, err := attacher.Attach(context.Background(), testPID)
	require.NoError(t, err)

	assert.Equal(t, testPID, handle.PID)
	assert.Equal(t, 9, handle.VMFD)
	assert.Equal(t, []attach.VCPU{
		{Index: 0, FD: 20, TID: testPID + 1},
		{Index: 1, FD: 21, TID: testPID + 2},
	}, handle.VCPUs)
	assert.Equal(t, attach.StateAttached, handle.State())
	assert.True(t, handle.Attached())
	assert.Same(t, hv, handle.Hypervisor())
	assert.Empty(t, hv.HaltedVCPUs())
}

func TestAttachErrors(t *testing.T) {
	traced := attach.FakeProcFS(testPID, 1)
	traced["4242/status"] = &fstest.MapFile{Data: []byte("Name:\tqemu\nTracerPid:\t17\n")}

	noVM := attach.FakeProcFS(testPID, 1)
	delete(noVM, "4242/fd/9")

	noThread := attach.FakeProcFS(testPID, 1)
	delete(noThread, "4242/task/4243/comm")
	delete(noThread, "4242/task/4243/syscall")

	connectErr := errors.New("connect failed")

	tests := []struct {
		name        string
		fsys        fs.FS
		connectErr  error
		expectedErr error
	}{
		{
			name:        "no process",
			fsys:        proc.WithReadLinkNoFollowOpen(fstest.MapFS{}),
			expectedErr: attach.ErrProcessNotFound,
		},
		{
			name:        "permission",
			fsys:        proc.WithReadLinkNoFollowOpen(errFS{err: fs.ErrPermission}),
			expectedErr: attach.ErrPermission,
		},
		{
			name:        "traced",
			fsys:        proc.WithReadLinkNoFollowOpen(traced),
			expectedErr: attach.ErrAlreadyAttached,
		},
		{
			name:        "no vm",
			fsys:        proc.WithReadLinkNoFollowOpen(noVM),
			expectedErr: attach.ErrNotHypervisor,
		},
		{
			name:        "no vcpu thread",
			fsys:        proc.WithReadLinkNoFollowOpen(noThread),
			expectedErr: proc.ErrVCPUThreadNotFound,
		},
		{
			name:        "connect fails",
			fsys:        proc.WithReadLinkNoFollowOpen(attach.FakeProcFS(testPID, 1)),
			connectErr:  connectErr,
			expectedErr: connectErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connect := func(_ context.Context, _ kvm.Target) (attach.Hypervisor, error) {
				if tt.connectErr != nil {
					return nil, tt.connectErr
				}

				return attach.NewFakeHypervisor(1, nil, 0), nil
			}

			registry := attach.NewRegistry("")
			attacher := attach.NewAttacher(tt.fsys, connect, registry)

			_, err := attacher.Attach(context.Background(), testPID)
			require.ErrorIs(t, err, tt.expectedErr)
			require.ErrorIs(t, err, &attach.Error{})
			assert.False(t, registry.Claimed(testPID), "claim released")
		})
	}
}

func TestAttachTwice(t *testing.T) {
	ctx := context.Background()
	attacher, hv := newTestAttacher(t, 1)

	var (
		wg      sync.WaitGroup
		handles [2]*attach.Handle
		errs    [2]error
	)

	for idx := range handles {
		wg.Add(1)

		go func() {
			defer wg.Done()

			handles[idx], errs[idx] = attacher.Attach(ctx, testPID)
		}()
	}

	wg.Wait()

	var winner *attach.Handle

	for idx, err := range errs {
		if err == nil {
			require.Nil(t, winner, "only one attach succeeds")
			winner = handles[idx]

			continue
		}

		require.ErrorIs(t, err, attach.ErrAlreadyAttached)
		assert.Nil(t, handles[idx])
	}

	require.NotNil(t, winner, "one attach succeeds")
	assert.True(t, winner.Attached(), "winner unaffected by the loser")

	original := hv.Regs[0]

	regs, err := attacher.HaltVCPU(ctx, winner, 0)
	require.NoError(t, err)
	assert.Equal(t, original, regs)
	require.NoError(t, attacher.ResumeVCPU(ctx, winner, 0, nil))
	require.NoError(t, attacher.Detach(ctx, winner, attach.DetachOptions{}))

	handle, err := attacher.Attach(ctx, testPID)
	require.NoError(t, err, "attach after detach")
	require.NoError(t, attacher.Detach(ctx, handle, attach.DetachOptions{}))
}

func TestHaltResume(t *testing.T) {
	ctx := context.Background()
	attacher, hv := newTestAttacher(t, 2)

	handle, err := attacher.Attach(ctx, testPID)
	require.NoError(t, err)

	original := hv.Regs[1]

	regs, err := attacher.HaltVCPU(ctx, handle, 1)
	require.NoError(t, err)
	assert.Equal(t, original, regs)
	assert.Equal(t, attach.StateHalted, handle.State())
	assert.True(t, handle.Halted(1))
	assert.False(t, handle.Halted(0))

	snapshot, exists := handle.Snapshot(1)
	require.True(t, exists)
	assert.Equal(t, original, snapshot)

	regs.RIP = 0x1000
	require.NoError(t, attacher.ResumeVCPU(ctx, handle, 1, &regs))
	assert.Equal(t, attach.StateAttached, handle.State())
	assert.Equal(t, uint64(0x1000), hv.Regs[1].RIP)

	regs, err = attacher.HaltVCPU(ctx, handle, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), regs.RIP)

	snapshot, _ = handle.Snapshot(1)
	assert.Equal(t, original, snapshot, "snapshot of first halt kept")

	require.NoError(t, attacher.ResumeVCPU(ctx, handle, 1, nil))

	t.Run("unknown vcpu", func(t *testing.T) {
		_, err := attacher.HaltVCPU(ctx, handle, 7)
		require.ErrorIs(t, err, attach.ErrVCPUNotFound)
	})

	t.Run("resume running", func(t *testing.T) {
		err := attacher.ResumeVCPU(ctx, handle, 0, nil)
		require.ErrorIs(t, err, attach.ErrNotHalted)
	})

	t.Run("halt detached", func(t *testing.T) {
		require.NoError(t, attacher.Detach(ctx, handle, attach.DetachOptions{}))

		_, err := attacher.HaltVCPU(ctx, handle, 0)
		require.ErrorIs(t, err, attach.ErrNotAttached)
	})
}

func TestHaltAll(t *testing.T) {
	ctx := context.Background()
	attacher, hv := newTestAttacher(t, 3)

	handle, err := attacher.Attach(ctx, testPID)
	require.NoError(t, err)

	regs, err := attacher.HaltAll(ctx, handle)
	require.NoError(t, err)
	assert.Len(t, regs, 3)
	assert.Equal(t, []int{0, 1, 2}, hv.HaltedVCPUs())

	regs[2] = kvm.Regs{RIP: 0x2000}
	require.NoError(t, attacher.ResumeAll(ctx, handle, map[int]kvm.Regs{2: regs[2]}))
	assert.Empty(t, hv.HaltedVCPUs())
	assert.Equal(t, uint64(0x2000), hv.Regs[2].RIP)
	assert.Equal(t, attach.StateAttached, handle.State())
}

func TestHaltAllRollback(t *testing.T) {
	ctx := context.Background()
	attacher, hv := newTestAttacher(t, 3)

	handle, err := attacher.Attach(ctx, testPID)
	require.NoError(t, err)

	// Fails for the last vCPU only, as the fake checks halted state first.
	delete(hv.Regs, 2)

	_, err = attacher.HaltAll(ctx, handle)
	require.ErrorIs(t, err, kvm.ErrUnknownVCPU)
	assert.Empty(t, hv.HaltedVCPUs(), "halted vCPUs resumed")
	assert.False(t, handle.Halted(0))
	assert.False(t, handle.Halted(1))
}

func TestHaltGetRegsFails(t *testing.T) {
	ctx := context.Background()
	attacher, hv := newTestAttacher(t, 1)

	handle, err := attacher.Attach(ctx, testPID)
	require.NoError(t, err)

	hv.GetErr = errors.New("ioctl failed")

	_, err = attacher.HaltVCPU(ctx, handle, 0)
	require.ErrorIs(t, err, hv.GetErr)
	assert.Empty(t, hv.HaltedVCPUs(), "vCPU resumed")
	assert.False(t, handle.Halted(0))
}

func TestDetach(t *testing.T) {
	tests := []struct {
		name        string
		opts        attach.DetachOptions
		release     bool
		expectedRIP func(original, changed uint64) uint64
	}{
		{
			name: "restore",
			expectedRIP: func(original, _ uint64) uint64 {
				return original
			},
		},
		{
			name: "persist",
			opts: attach.DetachOptions{Persist: true},
			expectedRIP: func(_, changed uint64) uint64 {
				return changed
			},
		},
		{
			name:    "released snapshot",
			release: true,
			expectedRIP: func(_, changed uint64) uint64 {
				return changed
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			attacher, hv := newTestAttacher(t, 1)

			handle, err := attacher.Attach(ctx, testPID)
			require.NoError(t, err)

			regs, err := attacher.HaltVCPU(ctx, handle, 0)
			require.NoError(t, err)

			original := regs.RIP
			regs.RIP = 0xdead_0000

			require.NoError(t, attacher.ResumeVCPU(ctx, handle, 0, &regs))

			if tt.release {
				handle.Release(0)
			}

			require.NoError(t, attacher.Detach(ctx, handle, tt.opts))

			assert.Equal(t, tt.expectedRIP(original, regs.RIP), hv.Regs[0].RIP)
			assert.Empty(t, hv.HaltedVCPUs())
			assert.True(t, hv.Closed)
			assert.Equal(t, attach.StateDetached, handle.State())
			assert.False(t, handle.Attached())

			require.NoError(t, attacher.Detach(ctx, handle, tt.opts), "second detach")
		})
	}
}

func TestDetachUnchanged(t *testing.T) {
	ctx := context.Background()
	attacher, hv := newTestAttacher(t, 2)

	handle, err := attacher.Attach(ctx, testPID)
	require.NoError(t, err)

	_, err = attacher.HaltAll(ctx, handle)
	require.NoError(t, err)
	require.NoError(t, attacher.ResumeAll(ctx, handle, nil))
	assert.False(t, handle.Changed(0))

	require.NoError(t, attacher.Detach(ctx, handle, attach.DetachOptions{}))
	assert.NotContains(t, hv.Calls, "setregs 0")
	assert.NotContains(t, hv.Calls, "setregs 1")
}

func TestDetachCloseError(t *testing.T) {
	ctx := context.Background()
	attacher, hv := newTestAttacher(t, 1)

	handle, err := attacher.Attach(ctx, testPID)
	require.NoError(t, err)

	hv.CloseErr = errors.New("close failed")

	err = attacher.Detach(ctx, handle, attach.DetachOptions{})
	require.ErrorIs(t, err, hv.CloseErr)
	assert.Equal(t, attach.StateDetached, handle.State())
}
