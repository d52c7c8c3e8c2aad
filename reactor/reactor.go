// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package reactor is a thin abstraction over epoll readiness
// notification with per-fd dispatch; each registration is
// level-triggered unless it requests EventEdge. All callbacks registered on one
// loop run serialized on that loop's dispatch thread.

package reactor

import "errors"

// EventType is the readiness interest and result mask.
type EventType uint32

const (
	// EventRead requests and reports readable transitions.
	EventRead EventType = 1 << iota
	// EventWrite requests and reports writable transitions.
	EventWrite
	// EventError reports error or hangup conditions. Never requested
	// explicitly; it is always delivered.
	EventError
	// EventEdge selects edge-triggered registration. The callback must
	// drain the fd to EAGAIN before returning or wakeups are lost.
	EventEdge
)

// Callback handles a readiness event for a registered fd. It runs on
// the loop's dispatch thread.
type Callback func(fd int, events EventType)

var (
	// ErrRegistered is returned by Add for an fd already present.
	ErrRegistered = errors.New("reactor: fd already registered")
	// ErrClosed is returned once the loop has shut down.
	ErrClosed = errors.New("reactor: loop closed")
)
