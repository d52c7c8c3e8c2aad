//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sched

import (
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// pinThread binds the calling OS thread to the CPU matching the worker
// index, round-robin over the online set. A failed pin degrades to an
// unpinned worker.
func pinThread(id int, log zerolog.Logger) {
	cpu := id % runtime.NumCPU()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Warn().Err(err).Int("cpu", cpu).Msg("cpu pin failed")
		return
	}
	log.Debug().Int("cpu", cpu).Msg("pinned")
}
