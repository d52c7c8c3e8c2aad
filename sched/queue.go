// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import (
	"sync"

	"github.com/eapache/queue"
)

// popSpinBudget bounds the lock-and-retry iterations Pop performs
// before falling back to the condition variable. Spinning amortizes the
// wakeup cost under a high producer rate.
const popSpinBudget = 100

// inQueue is a worker's FIFO of pending routines: mutex-protected with
// condvar wakeup. Items pushed by one producer dequeue in order; there
// is no ordering across producers.
type inQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	q    *queue.Queue
}

func newInQueue() *inQueue {
	iq := &inQueue{q: queue.New()}
	iq.cond = sync.NewCond(&iq.mu)
	return iq
}

// Push enqueues r and signals one waiter.
func (iq *inQueue) Push(r Routine) {
	iq.mu.Lock()
	iq.q.Add(r)
	iq.mu.Unlock()
	iq.cond.Signal()
}

// Pop blocks until the queue is non-empty and returns the oldest item.
func (iq *inQueue) Pop() Routine {
	for i := 0; i < popSpinBudget; i++ {
		iq.mu.Lock()
		if iq.q.Length() > 0 {
			r := iq.q.Remove().(Routine)
			iq.mu.Unlock()
			return r
		}
		iq.mu.Unlock()
	}

	iq.mu.Lock()
	for iq.q.Length() == 0 {
		iq.cond.Wait()
	}
	r := iq.q.Remove().(Routine)
	iq.mu.Unlock()
	return r
}

// IsEmpty reports a momentary snapshot; safe to call concurrently.
func (iq *inQueue) IsEmpty() bool {
	iq.mu.Lock()
	defer iq.mu.Unlock()
	return iq.q.Length() == 0
}
