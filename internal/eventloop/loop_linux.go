// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

const maxEvents = 16

// Handler handles queue notifications.
type Handler interface {
	HandleNotify(ctx context.Context, queue uint16) error
}

// WatchFunc is called on the loop goroutine once the watched eventfd is
// readable. The counter is drained before.
type WatchFunc func(ctx context.Context) error

type call struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Loop is an epoll based event loop.
type Loop struct {
	epfd    int
	control *EventFD

	mu      sync.Mutex
	watches map[int]watch
	calls   []call
	running bool
	stopped bool
}

type watch struct {
	efd *EventFD
	fn  WatchFunc
}

// New creates a new [Loop].
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	control, err := NewEventFD()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	loop := &Loop{
		epfd:    epfd,
		control: control,
		watches: map[int]watch{},
	}

	if err := loop.add(control.FD()); err != nil {
		_ = loop.Close()
		return nil, err
	}

	return loop, nil
}

func (l *Loop) add(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd), //nolint:gosec
	}

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("epoll add %d: %w", fd, err)
	}

	return nil
}

// Watch calls fn each time efd is signalled. It may be called while the loop
// is running.
func (l *Loop) Watch(efd *EventFD, fn WatchFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.watches[efd.FD()]; exists {
		return fmt.Errorf("%w: fd %d", ErrWatched, efd.FD())
	}

	if err := l.add(efd.FD()); err != nil {
		return err
	}

	l.watches[efd.FD()] = watch{efd: efd, fn: fn}

	return nil
}

// WatchQueue dispatches notifications of the queue to the handler.
func (l *Loop) WatchQueue(notifier *EventFD, handler Handler, queue uint16) error {
	return l.Watch(notifier, func(ctx context.Context) error {
		return handler.HandleNotify(ctx, queue)
	})
}

// Unwatch stops watching efd. The file is not closed.
func (l *Loop) Unwatch(efd *EventFD) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.watches[efd.FD()]; !exists {
		return nil
	}

	delete(l.watches, efd.FD())

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, efd.FD(), nil); err != nil {
		return fmt.Errorf("epoll del %d: %w", efd.FD(), err)
	}

	return nil
}

// Call runs fn on the loop goroutine and returns its error. If the loop
// stops before fn ran, [ErrStopped] is returned.
func (l *Loop) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	c := call{fn: fn, done: make(chan error, 1)}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}

	l.calls = append(l.calls, c)
	l.mu.Unlock()

	if err := l.control.Signal(); err != nil {
		return err
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	}
}

// Run dispatches events until the context is cancelled. The dispatch in
// progress is completed before it returns. A stopped loop can not be run
// again.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}

	l.running = true
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		if err := l.control.Signal(); err != nil {
			slog.Warn("Wake event loop", slog.String("error", err.Error()))
		}
	})

	defer func() {
		stop()
		l.stop()
	}()

	events := make([]unix.EpollEvent, maxEvents)

	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}

		for _, event := range events[:n] {
			if int(event.Fd) == l.control.FD() {
				if _, err := l.control.Drain(); err != nil {
					return err
				}

				l.runCalls(ctx)

				continue
			}

			l.dispatch(ctx, int(event.Fd))
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, fd int) {
	l.mu.Lock()
	w, exists := l.watches[fd]
	l.mu.Unlock()

	if !exists {
		return
	}

	count, err := w.efd.Drain()
	if err != nil {
		slog.Warn("Drain notifier", slog.Int("fd", fd), slog.String("error", err.Error()))
		return
	}

	if count == 0 {
		return
	}

	if err := w.fn(ctx); err != nil {
		slog.Warn("Handle notification", slog.Int("fd", fd), slog.String("error", err.Error()))
	}
}

func (l *Loop) runCalls(ctx context.Context) {
	l.mu.Lock()
	calls := l.calls
	l.calls = nil
	l.mu.Unlock()

	for _, c := range calls {
		c.done <- c.fn(ctx)
	}
}

// stop fails all pending calls.
func (l *Loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopped = true
	l.running = false

	for _, c := range l.calls {
		c.done <- ErrStopped
	}

	l.calls = nil
}

// Close releases the epoll instance. Watched eventfds are not closed.
func (l *Loop) Close() error {
	return errors.Join(
		unix.Close(l.epfd),
		l.control.Close(),
	)
}
