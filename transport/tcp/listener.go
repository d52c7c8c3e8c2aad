//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pujaraniyadav/bblocks.cc/logging"
	"github.com/pujaraniyadav/bblocks.cc/reactor"
	"github.com/pujaraniyadav/bblocks.cc/sched"
)

// listenBacklog is the accept queue depth requested from the kernel.
const listenBacklog = 1024

// ConnDoneFn delivers a new channel, or a negative status with a nil
// channel on failure. Ownership of the channel passes to the callee.
type ConnDoneFn func(status int, ch *Channel)

// Listener accepts inbound connections on one bound address and wraps
// each accepted socket in a Channel. One accept-callback client at a
// time.
type Listener struct {
	mu   sync.Mutex
	addr string
	fd   int
	loop *reactor.EpollLoop
	pool *sched.Pool
	log  zerolog.Logger
	cb   ConnDoneFn
}

// NewListener prepares a listener for addr on the given loop and pool.
func NewListener(addr string, loop *reactor.EpollLoop, pool *sched.Pool) *Listener {
	return &Listener{
		addr: addr,
		fd:   -1,
		loop: loop,
		pool: pool,
		log:  logging.New("tcp/listener/" + addr),
	}
}

// Listen binds, listens and registers for readable wakeups. Socket,
// bind and listen failures are fatal: this is a long-lived service
// endpoint and a bad address is a deployment error.
func (l *Listener) Listen(cb ConnDoneFn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cb != nil {
		panic("tcp: listener client already registered")
	}
	if cb == nil {
		panic("tcp: listener without accept callback")
	}
	l.cb = cb

	sa, err := ParseAddr(l.addr)
	if err != nil {
		panic(err.Error())
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		panic(fmt.Sprintf("tcp: listener socket: %v", err))
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		panic(fmt.Sprintf("tcp: bind %s: %v", l.addr, err))
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		panic(fmt.Sprintf("tcp: listen %s: %v", l.addr, err))
	}
	l.fd = fd

	if err := l.loop.Add(fd, reactor.EventRead, l.handleFdEvent); err != nil {
		panic(fmt.Sprintf("tcp: listener register: %v", err))
	}

	l.log.Info().Msg("listening")
}

// Port returns the bound local port, resolving a ":0" bind.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		panic(fmt.Sprintf("tcp: getsockname: %v", err))
	}
	return sa.(*unix.SockaddrInet4).Port
}

// handleFdEvent accepts a single connection per readiness wakeup. The
// registration is level-triggered, so a backlog keeps the loop firing
// until it drains.
func (l *Listener) handleFdEvent(fd int, events reactor.EventType) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cb == nil {
		return
	}

	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
			return
		}
		l.log.Error().Err(err).Msg("accept failed")
		cb := l.cb
		l.pool.ScheduleFunc(func() { cb(-1, nil) })
		return
	}

	ch := newChannel(nfd, l.loop, l.pool)
	cb := l.cb
	l.pool.ScheduleFunc(func() { cb(0, ch) })

	l.log.Debug().Int("fd", nfd).Msg("accepted")
}

// Shutdown unregisters the listening fd, clears the client and closes
// the socket.
func (l *Listener) Shutdown() {
	if err := l.loop.Remove(l.fd); err != nil {
		l.log.Warn().Err(err).Msg("unregister failed")
	}

	l.mu.Lock()
	l.cb = nil
	fd := l.fd
	l.fd = -1
	l.mu.Unlock()

	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	_ = unix.Close(fd)
}
