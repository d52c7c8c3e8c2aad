//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func testWorkers(max int) int {
	n := runtime.NumCPU()
	if n > max {
		return max
	}
	return n
}

// Every scheduled routine executes exactly once before Shutdown
// returns.
func TestPool_ScheduleRunsEveryRoutine(t *testing.T) {
	p := New()
	p.Start(testWorkers(4))

	const k = 5000
	var count atomic.Int64
	var wg sync.WaitGroup
	wg.Add(k)
	for i := 0; i < k; i++ {
		p.ScheduleFunc(func() {
			count.Inc()
			wg.Done()
		})
	}
	wg.Wait()
	p.Shutdown()

	require.Equal(t, int64(k), count.Load())
}

// Barrier quiescence: 10 000 trivial routines scheduled before the
// barrier have all completed by the time the barrier payload runs.
func TestPool_BarrierQuiescence(t *testing.T) {
	p := New()
	p.Start(testWorkers(8))

	const k = 10000
	var count atomic.Int64
	for i := 0; i < k; i++ {
		p.ScheduleFunc(func() { count.Inc() })
	}

	observed := make(chan int64, 1)
	p.ScheduleBarrier(RoutineFunc(func() { observed <- count.Load() }))

	select {
	case n := <-observed:
		require.Equal(t, int64(k), n)
	case <-time.After(10 * time.Second):
		t.Fatal("barrier payload never ran")
	}
	p.Shutdown()
}

// Per-queue submission order is preserved on a single worker.
func TestPool_SingleWorkerOrder(t *testing.T) {
	p := New()
	p.Start(1)

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		p.ScheduleFunc(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	p.Shutdown()

	for i := 0; i < 100; i++ {
		require.Equal(t, i, got[i])
	}
}

func TestPool_WaitReleasedByWakeup(t *testing.T) {
	p := New()
	p.Start(1)

	released := make(chan struct{})
	go func() {
		p.Wait()
		close(released)
	}()

	// Wakeup repeatedly; a single broadcast could race the waiter into
	// its condvar.
	deadline := time.After(5 * time.Second)
	for {
		p.Wakeup()
		select {
		case <-released:
			p.Shutdown()
			return
		case <-deadline:
			t.Fatal("Wait never released")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPool_StartRejectsOversubscription(t *testing.T) {
	p := New()
	require.Panics(t, func() { p.Start(runtime.NumCPU() + 1) })
}

func TestPool_ScheduleAfterShutdownPanics(t *testing.T) {
	p := New()
	p.Start(1)
	p.Shutdown()
	require.Panics(t, func() { p.ScheduleFunc(func() {}) })
}
