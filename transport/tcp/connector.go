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

// Connector initiates outbound connections. Each in-flight fd maps to
// its completion callback until the result is known.
type Connector struct {
	mu      sync.Mutex
	loop    *reactor.EpollLoop
	pool    *sched.Pool
	log     zerolog.Logger
	pending map[int]ConnDoneFn
}

// NewConnector prepares a connector on the given loop and pool.
func NewConnector(loop *reactor.EpollLoop, pool *sched.Pool) *Connector {
	return &Connector{
		loop:    loop,
		pool:    pool,
		log:     logging.New("tcp/connector"),
		pending: make(map[int]ConnDoneFn),
	}
}

// Connect starts a non-blocking connect to raddr, binding laddr first
// when non-empty. The result arrives through cb: a connected channel,
// or a negative status and nil channel.
func (cn *Connector) Connect(laddr, raddr string, cb ConnDoneFn) {
	if cb == nil {
		panic("tcp: connect without completion")
	}

	rsa, err := ParseAddr(raddr)
	if err != nil {
		panic(err.Error())
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		panic(fmt.Sprintf("tcp: connector socket: %v", err))
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if laddr != "" {
		lsa, err := ParseAddr(laddr)
		if err != nil {
			panic(err.Error())
		}
		if err := unix.Bind(fd, lsa); err != nil {
			panic(fmt.Sprintf("tcp: bind %s: %v", laddr, err))
		}
	}

	err = unix.Connect(fd, rsa)
	if err != nil && err != unix.EINPROGRESS {
		cn.log.Error().Err(err).Str("raddr", raddr).Msg("connect failed")
		_ = unix.Close(fd)
		cn.pool.ScheduleFunc(func() { cb(-1, nil) })
		return
	}

	cn.mu.Lock()
	cn.pending[fd] = cb
	cn.mu.Unlock()

	if err := cn.loop.Add(fd, reactor.EventWrite, cn.handleFdEvent); err != nil {
		panic(fmt.Sprintf("tcp: connector register: %v", err))
	}
}

// handleFdEvent resolves one pending connect. The fd leaves the event
// loop and the map before the result is delivered.
func (cn *Connector) handleFdEvent(fd int, events reactor.EventType) {
	if err := cn.loop.Remove(fd); err != nil {
		cn.log.Warn().Err(err).Int("fd", fd).Msg("unregister failed")
	}

	cn.mu.Lock()
	cb, ok := cn.pending[fd]
	delete(cn.pending, fd)
	cn.mu.Unlock()
	if !ok {
		return
	}

	if events&reactor.EventError != 0 {
		soerr, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		cn.log.Error().Int("fd", fd).Int("soerr", soerr).Msg("connect failed")
		_ = unix.Close(fd)
		cn.pool.ScheduleFunc(func() { cb(-1, nil) })
		return
	}

	cn.log.Debug().Int("fd", fd).Msg("connected")
	ch := newChannel(fd, cn.loop, cn.pool)
	cn.pool.ScheduleFunc(func() { cb(0, ch) })
}

// Shutdown fails every pending connect and closes its fd.
func (cn *Connector) Shutdown() {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	for fd, cb := range cn.pending {
		if err := cn.loop.Remove(fd); err != nil {
			cn.log.Warn().Err(err).Int("fd", fd).Msg("unregister failed")
		}
		cb := cb
		cn.pool.ScheduleFunc(func() { cb(-1, nil) })
		_ = unix.Close(fd)
	}
	cn.pending = make(map[int]ConnDoneFn)
}
