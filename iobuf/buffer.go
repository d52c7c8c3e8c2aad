// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package iobuf provides the contiguous byte buffer exchanged with the
// TCP transport. Ownership transfers into a channel on write and back to
// the caller through the read-completion callback.

package iobuf

import (
	"crypto/rand"
	"fmt"
)

// Buffer is a contiguous byte region with an optional trim-from-front
// operation used by the transport's partial-write path.
type Buffer struct {
	data []byte
}

// Alloc returns a zeroed buffer of the given size.
func Alloc(size int) *Buffer {
	if size <= 0 {
		panic(fmt.Sprintf("iobuf: invalid buffer size %d", size))
	}
	return &Buffer{data: make([]byte, size)}
}

// Wrap adopts b without copying. The caller must not touch b afterwards.
func Wrap(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Bytes returns the current region. Reslicing operations on the Buffer
// invalidate previously returned slices.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Size returns the number of bytes currently held.
func (b *Buffer) Size() int {
	return len(b.data)
}

// Cut drops the first n bytes, retaining the tail.
func (b *Buffer) Cut(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("iobuf: cut %d outside buffer of %d", n, len(b.data)))
	}
	b.data = b.data[n:]
}

// FillRandom overwrites the buffer with random bytes.
func (b *Buffer) FillRandom() {
	_, _ = rand.Read(b.data)
}
