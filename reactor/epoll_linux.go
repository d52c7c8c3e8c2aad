//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll implementation. One goroutine, locked to its OS thread,
// blocks in epoll_wait and dispatches per-fd callbacks. An eventfd in
// the interest set lets Close interrupt the wait.

package reactor

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/pujaraniyadav/bblocks.cc/logging"
)

const maxEvents = 128

var wakeBytes = []byte{1, 0, 0, 0, 0, 0, 0, 0}

// EpollLoop is a single-threaded epoll event demultiplexer. A
// registration is edge-triggered when it requests EventEdge and
// level-triggered otherwise.
type EpollLoop struct {
	epfd    int
	wakefd  int
	mu      sync.Mutex
	cbs     map[int]Callback
	closing atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewEpollLoop creates the epoll instance and starts its dispatch
// thread. The name scopes log output.
func NewEpollLoop(name string) (*EpollLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakefd)
		return nil, fmt.Errorf("epoll_ctl add wakefd: %w", err)
	}

	l := &EpollLoop{
		epfd:   epfd,
		wakefd: wakefd,
		cbs:    make(map[int]Callback),
		done:   make(chan struct{}),
		log:    logging.New("reactor/" + name),
	}
	go l.run()
	return l, nil
}

// Add registers fd with the given interest mask. An fd may appear at
// most once per loop.
func (l *EpollLoop) Add(fd int, events EventType, cb Callback) error {
	if l.closing.Load() {
		return ErrClosed
	}

	var mask uint32
	if events&EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	if events&EventEdge != 0 {
		mask |= unix.EPOLLET
	}

	l.mu.Lock()
	if _, dup := l.cbs[fd]; dup {
		l.mu.Unlock()
		return ErrRegistered
	}
	l.cbs[fd] = cb
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		l.mu.Lock()
		delete(l.cbs, fd)
		l.mu.Unlock()
		return fmt.Errorf("epoll_ctl add: %w", err)
	}
	return nil
}

// Remove unregisters fd. Once Remove returns, no new callback for fd
// will start; a callback already running continues to completion.
func (l *EpollLoop) Remove(fd int) error {
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)

	l.mu.Lock()
	delete(l.cbs, fd)
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("epoll_ctl del: %w", err)
	}
	return nil
}

func (l *EpollLoop) run() {
	defer close(l.done)
	runtime.LockOSThread()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.Error().Err(err).Msg("epoll_wait failed")
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if fd == l.wakefd {
				l.drainWake()
				if l.closing.Load() {
					return
				}
				continue
			}

			l.mu.Lock()
			cb := l.cbs[fd]
			l.mu.Unlock()
			if cb == nil {
				continue
			}

			var mask EventType
			if ev.Events&unix.EPOLLIN != 0 {
				mask |= EventRead
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				mask |= EventWrite
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				mask |= EventError
			}
			cb(fd, mask)
		}
	}
}

func (l *EpollLoop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close stops the dispatch thread and releases both fds. Registered
// fds themselves are not closed; they belong to their owners.
func (l *EpollLoop) Close() error {
	if !l.closing.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if _, err := unix.Write(l.wakefd, wakeBytes); err != nil {
		return fmt.Errorf("eventfd write: %w", err)
	}
	<-l.done

	_ = unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}
