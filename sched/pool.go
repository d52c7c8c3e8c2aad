// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/pujaraniyadav/bblocks.cc/logging"
)

// Pool dispatches routines across a fixed set of pinned workers,
// round-robin by submission order. The worker set is immutable between
// Start and Shutdown.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	workers []*worker
	next    atomic.Uint64
	timer   *TimerService
	log     zerolog.Logger
	down    atomic.Bool
}

var (
	defaultPool *Pool
	defaultOnce sync.Once
)

// Default returns the process-wide pool instance. It is a convenience;
// explicit instances behave identically.
func Default() *Pool {
	defaultOnce.Do(func() { defaultPool = New() })
	return defaultPool
}

// New returns an unstarted pool.
func New() *Pool {
	p := &Pool{log: logging.New("sched/pool")}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start creates ncpu workers and the timer service. Starting more
// workers than online CPUs is a configuration error.
func (p *Pool) Start(ncpu int) {
	if ncpu <= 0 || ncpu > runtime.NumCPU() {
		panic(fmt.Sprintf("sched: %d workers requested, %d cpus online", ncpu, runtime.NumCPU()))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) != 0 {
		panic("sched: pool already started")
	}

	for i := 0; i < ncpu; i++ {
		w := newWorker(i)
		p.workers = append(p.workers, w)
		w.start()
	}

	ts, err := newTimerService(p)
	if err != nil {
		panic(fmt.Sprintf("sched: timer service: %v", err))
	}
	p.timer = ts

	p.log.Info().Int("workers", ncpu).Msg("pool started")
}

// NumWorkers returns the worker count.
func (p *Pool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Schedule dispatches r to the next worker in round-robin order.
// Imbalance under cross-thread contention is bounded by one.
func (p *Pool) Schedule(r Routine) {
	if p.down.Load() {
		panic("sched: schedule after shutdown")
	}
	idx := (p.next.Inc() - 1) % uint64(len(p.workers))
	p.workers[idx].push(r)
}

// ScheduleFunc is Schedule for a bare closure.
func (p *Pool) ScheduleFunc(f func()) {
	p.Schedule(RoutineFunc(f))
}

// ScheduleIn runs r after ms milliseconds, via the timer service.
func (p *Pool) ScheduleIn(ms int64, r Routine) {
	if p.down.Load() {
		panic("sched: schedule after shutdown")
	}
	p.timer.ScheduleIn(ms, r)
}

// ScheduleBarrier posts a counting barrier to every worker; once each
// worker has run its copy, r is scheduled normally. When r runs, every
// routine scheduled on any worker before this call has started. This is
// the quiescence fence used ahead of resource teardown.
func (p *Pool) ScheduleBarrier(r Routine) {
	if p.down.Load() {
		panic("sched: schedule after shutdown")
	}

	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()

	b := &barrierRoutine{p: p, cb: r}
	b.pending.Store(int64(len(workers)))
	for _, w := range workers {
		w.push(b)
	}
}

// barrierRoutine is pushed once onto every worker queue; the last
// worker through schedules the payload.
type barrierRoutine struct {
	p       *Pool
	cb      Routine
	pending atomic.Int64
}

func (b *barrierRoutine) Run() {
	if b.pending.Dec() == 0 {
		b.p.Schedule(b.cb)
	}
}

// Wait blocks the calling thread until Wakeup. Not for use from a
// worker routine.
func (p *Pool) Wait() {
	p.mu.Lock()
	p.cond.Wait()
	p.mu.Unlock()
}

// Wakeup releases every thread blocked in Wait.
func (p *Pool) Wakeup() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Shutdown stops the timer service first, then each worker in index
// order. Scheduling after Shutdown is a lifecycle violation.
func (p *Pool) Shutdown() {
	if !p.down.CompareAndSwap(false, true) {
		panic("sched: pool shut down twice")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.shutdown()
	}
	for _, w := range p.workers {
		w.stop()
	}

	p.log.Info().Msg("pool stopped")
}
