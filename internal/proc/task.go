// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proc

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

const (
	// ioctl system call number on amd64.
	sysIoctl = "16"

	// KVM_RUN request number as printed in /proc/<pid>/task/<tid>/syscall.
	kvmRunRequest = 0xae80
)

// Task is a thread of a process.
type Task struct {
	TID  int
	Comm string

	// Syscall is the content of the task's syscall file. It is empty if the
	// file could not be read.
	Syscall string
}

// BlockedIoctl reports the descriptor and request of the ioctl the task is
// blocked in, if any.
func (t Task) BlockedIoctl() (int, uint64, bool) {
	const minFields = 3

	fields := strings.Fields(t.Syscall)
	if len(fields) < minFields || fields[0] != sysIoctl {
		return 0, 0, false
	}

	fd, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 32)
	if err != nil {
		return 0, 0, false
	}

	req, err := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 64)
	if err != nil {
		return 0, 0, false
	}

	return int(fd), req, true
}

// CPUIndex returns the vCPU index encoded in thread names of the form
// "CPU <n>/KVM" that QEMU uses.
func (t Task) CPUIndex() (int, bool) {
	rest, found := strings.CutPrefix(t.Comm, "CPU ")
	if !found {
		return 0, false
	}

	num, found := strings.CutSuffix(rest, "/KVM")
	if !found {
		return 0, false
	}

	idx, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}

	return idx, true
}

// ReadTasks returns all threads of the process with the given pid, sorted by
// thread id.
func ReadTasks(fsys fs.FS, pid int) ([]Task, error) {
	dir := path.Join(strconv.Itoa(pid), "task")

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read task dir: %w", err)
	}

	tasks := make([]Task, 0, len(entries))

	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		task := Task{TID: tid}

		comm, err := fs.ReadFile(fsys, path.Join(dir, entry.Name(), "comm"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("read comm of %d: %w", tid, err)
		}

		task.Comm = strings.TrimSpace(string(comm))

		// Needs ptrace access mode, which might not be given before the
		// process is seized.
		syscall, err := fs.ReadFile(fsys, path.Join(dir, entry.Name(), "syscall"))
		if err == nil {
			task.Syscall = strings.TrimSpace(string(syscall))
		}

		tasks = append(tasks, task)
	}

	slices.SortFunc(tasks, func(a, b Task) int { return a.TID - b.TID })

	return tasks, nil
}

// VCPUThreads maps each vCPU index to the thread running it.
//
// A thread blocked in ioctl(fd, KVM_RUN) runs the vCPU of that descriptor.
// Threads named "CPU <n>/KVM" are used for vCPUs not found that way.
func VCPUThreads(tasks []Task, vcpus []VCPUFD) (map[int]int, error) {
	byFD := make(map[int]int, len(vcpus))
	known := make(map[int]bool, len(vcpus))

	for _, vcpu := range vcpus {
		byFD[vcpu.FD] = vcpu.Index
		known[vcpu.Index] = true
	}

	threads := make(map[int]int, len(vcpus))

	for _, task := range tasks {
		fd, req, ok := task.BlockedIoctl()
		if !ok || req != kvmRunRequest {
			continue
		}

		if idx, exists := byFD[fd]; exists {
			threads[idx] = task.TID
		}
	}

	for _, task := range tasks {
		idx, ok := task.CPUIndex()
		if !ok || !known[idx] {
			continue
		}

		if _, exists := threads[idx]; !exists {
			threads[idx] = task.TID
		}
	}

	for _, vcpu := range vcpus {
		if _, exists := threads[vcpu.Index]; !exists {
			return nil, fmt.Errorf("%w: %d", ErrVCPUThreadNotFound, vcpu.Index)
		}
	}

	return threads, nil
}
