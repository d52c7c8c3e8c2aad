//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import (
	"container/heap"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pujaraniyadav/bblocks.cc/logging"
)

// timerEvent is (absolute monotonic deadline, routine, insertion
// tiebreaker). Equal deadlines fire in insertion order.
type timerEvent struct {
	deadline int64 // CLOCK_MONOTONIC nanoseconds
	seq      uint64
	r        Routine
}

type timerHeap []*timerEvent

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timerEvent)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}

// TimerService owns one monotonic timer fd and a deadline-ordered event
// set. A dedicated OS thread blocks reading expirations and dispatches
// expired routines onto the pool. Wall-clock jumps never reorder
// timers.
type TimerService struct {
	mu       sync.Mutex
	fd       int
	events   timerHeap
	seq      uint64
	stopping bool
	pool     *Pool
	log      zerolog.Logger
	done     chan struct{}
}

func newTimerService(p *Pool) (*TimerService, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	ts := &TimerService{
		fd:   fd,
		pool: p,
		log:  logging.New("sched/timer"),
		done: make(chan struct{}),
	}
	go ts.run()
	return ts, nil
}

func monotonicNow() int64 {
	var t unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &t); err != nil {
		panic("sched: clock_gettime failed")
	}
	return t.Nano()
}

// ScheduleIn inserts r with deadline now+ms and re-arms the fd when the
// new event became the earliest.
func (ts *TimerService) ScheduleIn(ms int64, r Routine) {
	deadline := monotonicNow() + ms*int64(time.Millisecond)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.seq++
	ev := &timerEvent{deadline: deadline, seq: ts.seq, r: r}
	heap.Push(&ts.events, ev)
	if ts.events[0] == ev {
		ts.arm(deadline)
	}
}

// arm programs the fd with an absolute monotonic deadline. Callers hold
// ts.mu.
func (ts *TimerService) arm(deadline int64) {
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(deadline)}
	if err := unix.TimerfdSettime(ts.fd, unix.TFD_TIMER_ABSTIME, &spec, nil); err != nil {
		ts.log.Error().Err(err).Msg("timerfd_settime failed")
	}
}

// run blocks on the timer fd, firing expired events on each wakeup.
func (ts *TimerService) run() {
	defer close(ts.done)
	runtime.LockOSThread()

	var buf [8]byte
	for {
		if _, err := unix.Read(ts.fd, buf[:]); err != nil {
			if err == unix.EINTR {
				continue
			}
			ts.log.Error().Err(err).Msg("timerfd read failed")
			return
		}

		ts.mu.Lock()
		if ts.stopping {
			ts.mu.Unlock()
			return
		}
		ts.fire()
		ts.mu.Unlock()
	}
}

// fire pops every event whose deadline has passed, dispatches each to
// the pool, and re-arms with the next earliest deadline. Callers hold
// ts.mu.
func (ts *TimerService) fire() {
	now := monotonicNow()
	for ts.events.Len() > 0 && ts.events[0].deadline <= now {
		ev := heap.Pop(&ts.events).(*timerEvent)
		ts.pool.Schedule(ev.r)
	}
	if ts.events.Len() > 0 {
		ts.arm(ts.events[0].deadline)
	}
}

// shutdown requires a drained event set: timers that outlive teardown
// are a lifecycle violation. The reader thread is woken via an
// immediate expiry and joined before the fd is closed.
func (ts *TimerService) shutdown() {
	ts.mu.Lock()
	if ts.events.Len() != 0 {
		ts.mu.Unlock()
		panic("sched: timer service shut down with pending timers")
	}
	ts.stopping = true
	ts.arm(monotonicNow() + int64(time.Millisecond))
	ts.mu.Unlock()

	<-ts.done
	_ = unix.Close(ts.fd)
}
