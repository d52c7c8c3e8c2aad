//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pujaraniyadav/bblocks.cc/iobuf"
	"github.com/pujaraniyadav/bblocks.cc/logging"
	"github.com/pujaraniyadav/bblocks.cc/reactor"
	"github.com/pujaraniyadav/bblocks.cc/sched"
)

// DefaultWriteBacklog bounds the number of buffers a channel queues
// before EnqueueWrite reports busy.
const DefaultWriteBacklog = 1024

// maxIOV caps the buffers gathered into one writev, matching the Linux
// IOV_MAX limit.
const maxIOV = 1024

// ErrBusy is returned by EnqueueWrite when the backlog is at its limit.
// The caller must retry later or drop.
var ErrBusy = errors.New("tcp: write backlog full")

// Client receives write-completion notifications for a channel it has
// registered on.
type Client interface {
	// WriteDone reports a fully drained backlog buffer with the
	// cumulative byte count of its drain pass, or a negative status on
	// write error.
	WriteDone(ch *Channel, n int)
}

// ReadDoneFn completes an asynchronous Read: status is the bytes filled
// or a negative error status, in which case buf is nil.
type ReadDoneFn func(ch *Channel, status int, buf *iobuf.Buffer)

// UnregisterDoneFn completes UnregisterClient.
type UnregisterDoneFn func(status int)

// Channel is one connected socket registered on one event loop.
// Completion callbacks are scheduled through the pool; the channel lock
// is never held across user code.
type Channel struct {
	mu   sync.Mutex
	fd   int
	loop *reactor.EpollLoop
	pool *sched.Pool
	log  zerolog.Logger

	client    Client
	unregDone UnregisterDoneFn

	// write backlog: FIFO of *iobuf.Buffer
	wbuf    *queue.Queue
	wbufMax int

	// in-flight read context
	rbuf  *iobuf.Buffer
	rdone ReadDoneFn
	rn    int
}

func newChannel(fd int, loop *reactor.EpollLoop, pool *sched.Pool) *Channel {
	return &Channel{
		fd:      fd,
		loop:    loop,
		pool:    pool,
		log:     logging.New(fmt.Sprintf("tcp/ch/%d", fd)),
		wbuf:    queue.New(),
		wbufMax: DefaultWriteBacklog,
	}
}

// RegisterClient attaches h and registers the fd for readable and
// writable edges. A channel holds at most one client.
func (c *Channel) RegisterClient(h Client) {
	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		panic("tcp: channel client already registered")
	}
	c.client = h
	c.mu.Unlock()

	err := c.loop.Add(c.fd, reactor.EventRead|reactor.EventWrite|reactor.EventEdge, c.handleFdEvent)
	if err != nil {
		panic(fmt.Sprintf("tcp: channel register fd=%d: %v", c.fd, err))
	}
}

// UnregisterClient removes the fd from the event loop, then fences with
// a pool-wide barrier. When the barrier completes all channel state is
// cleared and done is scheduled with status 0. This is the only safe
// retire path.
func (c *Channel) UnregisterClient(h Client, done UnregisterDoneFn) {
	c.mu.Lock()
	if c.client != h {
		c.mu.Unlock()
		panic("tcp: unregister by a non-client")
	}
	if done == nil {
		c.mu.Unlock()
		panic("tcp: unregister without completion")
	}
	c.unregDone = done
	c.mu.Unlock()

	if err := c.loop.Remove(c.fd); err != nil {
		panic(fmt.Sprintf("tcp: channel unregister fd=%d: %v", c.fd, err))
	}

	c.pool.ScheduleBarrier(sched.RoutineFunc(c.barrierDone))
}

func (c *Channel) barrierDone() {
	c.mu.Lock()
	done := c.unregDone
	c.wbuf = queue.New()
	c.rbuf, c.rdone, c.rn = nil, nil, 0
	c.client = nil
	c.unregDone = nil
	c.mu.Unlock()

	done(0)
}

// Close shuts the socket down at OS level and closes the fd. The
// client must already be unregistered.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		panic("tcp: close with client still attached")
	}
	c.mu.Unlock()

	c.log.Debug().Msg("closing channel")
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	_ = unix.Close(c.fd)
}

// Read fills buf to its size. At most one read may be in flight.
// Returns true when the read completed inline; the handler is invoked
// only for asynchronous completion or error.
func (c *Channel) Read(buf *iobuf.Buffer, done ReadDoneFn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rbuf != nil {
		panic("tcp: read already in flight")
	}
	if buf == nil || buf.Size() == 0 {
		panic("tcp: read into an empty buffer")
	}
	c.rbuf, c.rdone, c.rn = buf, done, 0

	return c.readFromSocket(false)
}

// EnqueueWrite appends buf to the backlog, taking ownership. Returns
// ErrBusy once the backlog is at its limit. When the backlog was empty
// the socket is drained synchronously and the bytes written are
// returned; otherwise the drain is attempted with asynchronous
// completion and 0 is returned.
func (c *Channel) EnqueueWrite(buf *iobuf.Buffer) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wbuf.Length() >= c.wbufMax {
		return 0, ErrBusy
	}

	wasEmpty := c.wbuf.Length() == 0
	c.wbuf.Add(buf)
	if wasEmpty {
		return c.writeToSocket(false), nil
	}
	c.writeToSocket(true)
	return 0, nil
}

// handleFdEvent runs on the event-loop thread. Edge-triggered: both
// paths drain to EAGAIN.
func (c *Channel) handleFdEvent(fd int, events reactor.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if events&(reactor.EventRead|reactor.EventError) != 0 {
		c.readFromSocket(true)
	}
	if events&(reactor.EventWrite|reactor.EventError) != 0 {
		c.writeToSocket(true)
	}
}

// readFromSocket drains the socket into the pending read context.
// Returns true when the context filled. Callers hold c.mu.
func (c *Channel) readFromSocket(isasync bool) bool {
	if c.rbuf == nil {
		return false
	}

	for {
		p := c.rbuf.Bytes()[c.rn:]
		n, err := unix.Read(c.fd, p)

		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return false
			}
			c.log.Error().Err(err).Msg("read failed")
			c.completeRead(-1, nil)
			return false
		}

		if n == 0 {
			// Peer EOF with a partial context; the next readable edge
			// feeds it again.
			return false
		}

		c.rn += n
		if c.rn == c.rbuf.Size() {
			if isasync {
				c.completeRead(c.rn, c.rbuf)
			} else {
				// Inline completion: the caller learns via the return
				// value, the handler stays silent.
				c.rbuf, c.rdone, c.rn = nil, nil, 0
			}
			return true
		}
	}
}

// completeRead resets the read context and schedules the handler on
// the pool. Callers hold c.mu.
func (c *Channel) completeRead(status int, buf *iobuf.Buffer) {
	done := c.rdone
	c.rbuf, c.rdone, c.rn = nil, nil, 0
	if done == nil {
		return
	}
	c.pool.ScheduleFunc(func() { done(c, status, buf) })
}

// writeToSocket gathers up to maxIOV backlog buffers into one writev,
// pops fully drained entries and trims a partial head. Returns the
// bytes written, or -1 on a fatal error. Callers hold c.mu.
func (c *Channel) writeToSocket(isasync bool) int {
	written := 0

	for c.wbuf.Length() > 0 {
		iovn := c.wbuf.Length()
		if iovn > maxIOV {
			iovn = maxIOV
		}
		iovs := make([][]byte, iovn)
		for i := 0; i < iovn; i++ {
			iovs[i] = c.wbuf.Get(i).(*iobuf.Buffer).Bytes()
		}

		n, err := unix.Writev(c.fd, iovs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			c.log.Error().Err(err).Msg("writev failed")
			if isasync {
				c.notifyWriteDone(-1)
			}
			return -1
		}
		if n == 0 {
			break
		}
		written += n

		rem := n
		for rem > 0 {
			head := c.wbuf.Peek().(*iobuf.Buffer)
			if rem >= head.Size() {
				rem -= head.Size()
				c.wbuf.Remove()
				if isasync {
					c.notifyWriteDone(written)
				}
			} else {
				head.Cut(rem)
				rem = 0
			}
		}
	}

	return written
}

// notifyWriteDone schedules the client's completion on the pool.
// Callers hold c.mu.
func (c *Channel) notifyWriteDone(n int) {
	h := c.client
	if h == nil {
		return
	}
	c.pool.ScheduleFunc(func() { h.WriteDone(c, n) })
}
