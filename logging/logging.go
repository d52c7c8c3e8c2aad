// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package logging is the zerolog front-end for bblocks. Every component
// logs under a slash-separated path ("sched/th/0", "tcp/ch/17") so one
// stream can be filtered per subsystem.

package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	root zerolog.Logger
)

// Root returns the process-wide base logger. The level is taken from the
// BBLOCKS_LOG environment variable (trace, debug, info, warn, error);
// it defaults to info.
func Root() zerolog.Logger {
	once.Do(func() {
		root = newRoot(zerolog.ConsoleWriter{Out: os.Stderr})
	})
	return root
}

// New returns a logger for the component at path.
func New(path string) zerolog.Logger {
	return Root().With().Str("path", path).Logger()
}

func newRoot(w io.Writer) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if s := os.Getenv("BBLOCKS_LOG"); s != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(s)); err == nil {
			lvl = parsed
		}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
