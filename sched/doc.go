// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package sched implements the work-dispatch thread pool at the center
// of the runtime: a fixed set of CPU-pinned workers, each owning one
// FIFO work queue, fed round-robin by an atomic dispatch cursor. A
// timerfd-backed timer service delivers delayed routines onto the same
// pool, and a counting barrier provides the quiescence fence used
// before resource teardown.
//
// Routines run to completion on their worker; code inside a routine
// must not block. Anything that needs to wait schedules a continuation
// and returns.
package sched
