// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package rpc holds the wire-encoding helpers used on top of the raw
// byte-stream transport: fixed-width integers in network byte order,
// length-prefixed strings and homogeneous lists, and the checksummed
// packet header. The transport itself never interprets these bytes.

package rpc

import (
	"encoding/binary"
	"errors"

	"github.com/pujaraniyadav/bblocks.cc/iobuf"
)

var (
	// ErrShortBuffer is returned when a decode runs past the readable
	// region.
	ErrShortBuffer = errors.New("rpc: decode past end of buffer")
	// ErrChecksum is returned when a packet header fails validation.
	ErrChecksum = errors.New("rpc: packet checksum mismatch")
)

// NetBuffer is a cursor pair over an iobuf.Buffer. Appends advance the
// write cursor, reads advance the read cursor; the two are independent
// so a buffer can be encoded and then verified in place.
type NetBuffer struct {
	buf *iobuf.Buffer
	w   int
	r   int
}

// NewNetBuffer wraps buf for encoding and decoding.
func NewNetBuffer(buf *iobuf.Buffer) *NetBuffer {
	return &NetBuffer{buf: buf}
}

// Written returns the number of bytes appended so far.
func (nb *NetBuffer) Written() int { return nb.w }

// Remaining returns the number of readable bytes ahead of the read
// cursor, bounded by what has been written.
func (nb *NetBuffer) Remaining() int { return nb.w - nb.r }

func (nb *NetBuffer) room(n int) []byte {
	b := nb.buf.Bytes()
	if nb.w+n > len(b) {
		panic("rpc: append past end of buffer")
	}
	s := b[nb.w : nb.w+n]
	nb.w += n
	return s
}

func (nb *NetBuffer) next(n int) ([]byte, error) {
	if nb.r+n > nb.w {
		return nil, ErrShortBuffer
	}
	s := nb.buf.Bytes()[nb.r : nb.r+n]
	nb.r += n
	return s, nil
}

// AppendU8 writes a single byte.
func (nb *NetBuffer) AppendU8(v uint8) {
	nb.room(1)[0] = v
}

// AppendU16 writes v in network byte order.
func (nb *NetBuffer) AppendU16(v uint16) {
	binary.BigEndian.PutUint16(nb.room(2), v)
}

// AppendU32 writes v in network byte order.
func (nb *NetBuffer) AppendU32(v uint32) {
	binary.BigEndian.PutUint32(nb.room(4), v)
}

// AppendU64 writes v in network byte order.
func (nb *NetBuffer) AppendU64(v uint64) {
	binary.BigEndian.PutUint64(nb.room(8), v)
}

// ReadU8 consumes a single byte.
func (nb *NetBuffer) ReadU8() (uint8, error) {
	s, err := nb.next(1)
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

// ReadU16 consumes a network-order uint16.
func (nb *NetBuffer) ReadU16() (uint16, error) {
	s, err := nb.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(s), nil
}

// ReadU32 consumes a network-order uint32.
func (nb *NetBuffer) ReadU32() (uint32, error) {
	s, err := nb.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(s), nil
}

// ReadU64 consumes a network-order uint64.
func (nb *NetBuffer) ReadU64() (uint64, error) {
	s, err := nb.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(s), nil
}

// AppendString writes a 4-byte length prefix followed by the bytes of s.
func (nb *NetBuffer) AppendString(s string) {
	nb.AppendU32(uint32(len(s)))
	copy(nb.room(len(s)), s)
}

// ReadString consumes a length-prefixed string.
func (nb *NetBuffer) ReadString() (string, error) {
	n, err := nb.ReadU32()
	if err != nil {
		return "", err
	}
	s, err := nb.next(int(n))
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// AppendList writes a 4-byte element count followed by each element
// encoded through enc.
func AppendList[T any](nb *NetBuffer, xs []T, enc func(*NetBuffer, T)) {
	nb.AppendU32(uint32(len(xs)))
	for _, x := range xs {
		enc(nb, x)
	}
}

// ReadList consumes a length-prefixed homogeneous list, decoding each
// element through dec.
func ReadList[T any](nb *NetBuffer, dec func(*NetBuffer) (T, error)) ([]T, error) {
	n, err := nb.ReadU32()
	if err != nil {
		return nil, err
	}
	xs := make([]T, 0, n)
	for i := uint32(0); i < n; i++ {
		x, err := dec(nb)
		if err != nil {
			return nil, err
		}
		xs = append(xs, x)
	}
	return xs, nil
}
