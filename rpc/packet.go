// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rpc

import (
	"hash/adler32"

	"github.com/pujaraniyadav/bblocks.cc/iobuf"
)

// PacketHeaderSize is the encoded size of a PacketHeader.
const PacketHeaderSize = 8

const checksumOffset = 4

// PacketHeader prefixes every framed payload. The checksum is Adler-32
// over the encoded header with the checksum field zeroed.
type PacketHeader struct {
	Opcode   uint8
	Version  uint8
	Size     uint16
	Checksum uint32
}

// Encode appends the header fields. The checksum field must still be
// zero; call Seal afterwards to stamp it.
func (h *PacketHeader) Encode(nb *NetBuffer) {
	nb.AppendU8(h.Opcode)
	nb.AppendU8(h.Version)
	nb.AppendU16(h.Size)
	nb.AppendU32(h.Checksum)
}

// Decode consumes the header fields.
func (h *PacketHeader) Decode(nb *NetBuffer) error {
	var err error
	if h.Opcode, err = nb.ReadU8(); err != nil {
		return err
	}
	if h.Version, err = nb.ReadU8(); err != nil {
		return err
	}
	if h.Size, err = nb.ReadU16(); err != nil {
		return err
	}
	h.Checksum, err = nb.ReadU32()
	return err
}

// Seal computes the checksum over the first PacketHeaderSize bytes of
// buf, with the checksum field zeroed, and patches it in place.
func (h *PacketHeader) Seal(buf *iobuf.Buffer) {
	if h.Checksum != 0 {
		panic("rpc: sealing an already-sealed packet header")
	}
	b := buf.Bytes()
	h.Checksum = adler32.Checksum(b[:PacketHeaderSize])
	putU32(b[checksumOffset:], h.Checksum)
}

// Verify recomputes the checksum of the header encoded at the front of
// buf and compares it against the stored field. The buffer is restored
// before returning.
func (h *PacketHeader) Verify(buf *iobuf.Buffer) error {
	b := buf.Bytes()
	if len(b) < PacketHeaderSize {
		return ErrShortBuffer
	}
	stored := readU32(b[checksumOffset:])
	putU32(b[checksumOffset:], 0)
	actual := adler32.Checksum(b[:PacketHeaderSize])
	putU32(b[checksumOffset:], stored)
	if stored != actual {
		return ErrChecksum
	}
	return nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func readU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
