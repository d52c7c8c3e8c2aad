// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/pujaraniyadav/bblocks.cc/logging"
)

// worker owns one queue and executes routines serially on a dedicated,
// CPU-pinned OS thread.
type worker struct {
	id   int
	q    *inQueue
	log  zerolog.Logger
	done chan struct{}
}

func newWorker(id int) *worker {
	return &worker{
		id:   id,
		q:    newInQueue(),
		log:  logging.New(fmt.Sprintf("sched/th/%d", id)),
		done: make(chan struct{}),
	}
}

func (w *worker) start() {
	go w.run()
}

func (w *worker) push(r Routine) {
	w.q.Push(r)
}

func (w *worker) run() {
	defer close(w.done)

	runtime.LockOSThread()
	pinThread(w.id, w.log)

	for {
		r := w.q.Pop()
		if _, exit := r.(*exitRoutine); exit {
			w.log.Debug().Msg("worker exiting")
			return
		}
		r.Run()
	}
}

// stop pushes the exit sentinel and joins. The queue must already be
// quiesced; pending user work at stop time is a lifecycle violation.
func (w *worker) stop() {
	if !w.q.IsEmpty() {
		panic(fmt.Sprintf("sched: worker %d stopped with pending work", w.id))
	}
	w.q.Push(&exitRoutine{})
	<-w.done
}
