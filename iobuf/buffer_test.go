// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package iobuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer_AllocAndSize(t *testing.T) {
	b := Alloc(4096)
	require.Equal(t, 4096, b.Size())
	require.Len(t, b.Bytes(), 4096)
}

func TestBuffer_CutRetainsTail(t *testing.T) {
	b := Wrap([]byte{1, 2, 3, 4, 5})
	b.Cut(2)
	require.Equal(t, []byte{3, 4, 5}, b.Bytes())
	b.Cut(3)
	require.Equal(t, 0, b.Size())
}

func TestBuffer_CutOutOfRangePanics(t *testing.T) {
	b := Alloc(8)
	require.Panics(t, func() { b.Cut(9) })
}

func TestBuffer_FillRandom(t *testing.T) {
	b := Alloc(1024)
	zero := make([]byte, 1024)
	b.FillRandom()
	if bytes.Equal(b.Bytes(), zero) {
		t.Fatal("expected random content, got all zeroes")
	}
	require.Equal(t, 1024, b.Size())
}
