// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package attach

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// Registry tracks claimed processes. Claims are exclusive within the process
// and, if a lock directory is set, across processes by flock(2) on a lock
// file per target pid.
type Registry struct {
	mu      sync.Mutex
	claims  map[int]struct{}
	lockDir string
}

// NewRegistry creates a new [Registry]. An empty lockDir disables the cross
// process lock.
func NewRegistry(lockDir string) *Registry {
	return &Registry{
		claims:  map[int]struct{}{},
		lockDir: lockDir,
	}
}

// LockFile returns the path of the lock file for the given pid.
func (r *Registry) LockFile(pid int) string {
	return filepath.Join(r.lockDir, "vmgraft-"+strconv.Itoa(pid)+".lock")
}

// Claim claims the process with the given pid. It returns
// [ErrAlreadyAttached] if the process is claimed already. The returned
// function releases the claim.
func (r *Registry) Claim(pid int) (func() error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.claims[pid]; exists {
		return nil, ErrAlreadyAttached
	}

	var lockFile *os.File

	if r.lockDir != "" {
		var err error

		lockFile, err = r.lock(pid)
		if err != nil {
			return nil, err
		}
	}

	r.claims[pid] = struct{}{}

	var once sync.Once

	release := func() error {
		var err error

		once.Do(func() {
			r.mu.Lock()
			delete(r.claims, pid)
			r.mu.Unlock()

			if lockFile != nil {
				// Closing the file drops the lock.
				err = lockFile.Close()
			}
		})

		return err
	}

	return release, nil
}

func (r *Registry) lock(pid int) (*os.File, error) {
	file, err := os.OpenFile(r.LockFile(pid), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyAttached
		}

		return nil, fmt.Errorf("lock: %w", err)
	}

	return file, nil
}

// Claimed reports whether the pid is claimed within this process.
func (r *Registry) Claimed(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.claims[pid]

	return exists
}
