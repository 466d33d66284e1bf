// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ptrace

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// Tracer serializes ptrace requests onto one locked OS thread.
type Tracer struct {
	requests  chan func()
	done      chan struct{}
	tid       int
	closeOnce sync.Once
}

// NewTracer starts the tracer thread.
func NewTracer() *Tracer {
	tracer := &Tracer{
		requests: make(chan func()),
		done:     make(chan struct{}),
	}

	started := make(chan struct{})

	go func() {
		// The thread is never unlocked so it exits with the goroutine. That
		// way no other goroutine inherits a thread with tracees.
		runtime.LockOSThread()

		tracer.tid = unix.Gettid()
		close(started)

		for {
			select {
			case fn := <-tracer.requests:
				fn()
			case <-tracer.done:
				return
			}
		}
	}()

	<-started

	return tracer
}

// onThread reports whether the caller runs on the tracer thread. This is only
// the case for functions passed to [Tracer.Do].
func (t *Tracer) onThread() bool {
	return unix.Gettid() == t.tid
}

// Do runs fn on the tracer thread and returns its error.
//
// Calls from within fn run directly, so [Tracee] methods can be used inside.
func (t *Tracer) Do(ctx context.Context, fn func() error) error {
	if t.onThread() {
		return fn()
	}

	select {
	case <-t.done:
		return ErrTracerClosed
	default:
	}

	result := make(chan error, 1)
	request := func() { result <- fn() }

	select {
	case t.requests <- request:
	case <-t.done:
		return ErrTracerClosed
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	}

	// Requests are not abandoned once started. The tracee state would be
	// unknown otherwise.
	return <-result
}

// Close stops the tracer thread. Tracees still attached are detached by the
// kernel when the thread exits.
func (t *Tracer) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}
