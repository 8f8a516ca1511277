// Package bytebuf provides the dynamic read/write buffer used by the
// transport layer to accumulate bytes from the network and extract
// complete frames from them.
//
// The buffer keeps three regions inside one backing slice:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0        <=      readerIndex   <=   writerIndex   <=    cap
//
// The prepend reserve lets a caller stamp a length field in front of a
// body that has already been written, without moving the body.
package bytebuf

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// PrependSize is the reserved prefix kept in front of the readable
	// region. Large enough for a u32 or u64 length field.
	PrependSize = 8

	// InitialSize is the starting capacity of the data region.
	InitialSize = 1024

	// MaxCapacity is the hard ceiling on buffer growth. A peer that
	// pushes more than this without a consumable frame is broken.
	MaxCapacity = 64 * 1024 * 1024
)

// ErrBufferOverflow is returned when a write would grow the buffer past
// MaxCapacity.
var ErrBufferOverflow = errors.New("bytebuf: buffer exceeds max capacity")

// Buffer is a growable byte buffer with separate read and write
// cursors. It is not safe for concurrent use; each connection owns its
// buffer exclusively.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// New creates a Buffer with the default initial capacity.
func New() *Buffer {
	return NewWithSize(InitialSize)
}

// NewWithSize creates a Buffer whose data region starts at size bytes.
func NewWithSize(size int) *Buffer {
	return &Buffer{
		buf:         make([]byte, PrependSize+size),
		readerIndex: PrependSize,
		writerIndex: PrependSize,
	}
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the space left behind the write cursor.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the space in front of the read cursor.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable region without consuming it. The returned
// slice aliases the buffer and is invalidated by the next mutation.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Retrieve consumes n readable bytes. Consuming more than is readable
// resets the buffer.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll consumes everything and rewinds both cursors to the
// prepend mark.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = PrependSize
	b.writerIndex = PrependSize
}

// RetrieveAsBytes consumes n bytes and returns them as a fresh slice.
func (b *Buffer) RetrieveAsBytes(n int) []byte {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	out := make([]byte, n)
	copy(out, b.buf[b.readerIndex:b.readerIndex+n])
	b.Retrieve(n)
	return out
}

// Append writes data behind the write cursor, growing if needed.
func (b *Buffer) Append(data []byte) error {
	if err := b.ensureWritable(len(data)); err != nil {
		return err
	}
	copy(b.buf[b.writerIndex:], data)
	b.writerIndex += len(data)
	return nil
}

// AppendUint32 writes v in network byte order.
func (b *Buffer) AppendUint32(v uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return b.Append(tmp[:])
}

// AppendUint64 writes v in network byte order.
func (b *Buffer) AppendUint64(v uint64) error {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return b.Append(tmp[:])
}

// PeekUint32 decodes a u32 from the read cursor without consuming it.
// Returns false when fewer than 4 bytes are readable.
func (b *Buffer) PeekUint32() (uint32, bool) {
	if b.ReadableBytes() < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b.buf[b.readerIndex:]), true
}

// ReadUint32 decodes a u32 and advances the read cursor.
func (b *Buffer) ReadUint32() (uint32, bool) {
	v, ok := b.PeekUint32()
	if ok {
		b.Retrieve(4)
	}
	return v, ok
}

// PeekUint64 decodes a u64 from the read cursor without consuming it.
func (b *Buffer) PeekUint64() (uint64, bool) {
	if b.ReadableBytes() < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b.buf[b.readerIndex:]), true
}

// ReadUint64 decodes a u64 and advances the read cursor.
func (b *Buffer) ReadUint64() (uint64, bool) {
	v, ok := b.PeekUint64()
	if ok {
		b.Retrieve(8)
	}
	return v, ok
}

// PrependUint32 stamps v in network byte order immediately in front of
// the readable region, consuming 4 bytes of the prepend reserve.
func (b *Buffer) PrependUint32(v uint32) error {
	if b.readerIndex < 4 {
		return errors.New("bytebuf: prepend space exhausted")
	}
	b.readerIndex -= 4
	binary.BigEndian.PutUint32(b.buf[b.readerIndex:], v)
	return nil
}

// ensureWritable makes room for n more bytes. It first tries to reclaim
// consumed prepend space by relocating the readable region to the
// front, and only grows the backing slice when relocation is not
// enough.
func (b *Buffer) ensureWritable(n int) error {
	if b.WritableBytes() >= n {
		return nil
	}
	readable := b.ReadableBytes()
	if b.PrependableBytes()+b.WritableBytes() >= n+PrependSize {
		// Enough dead space in front; slide readable bytes back to the
		// prepend mark instead of allocating.
		copy(b.buf[PrependSize:], b.buf[b.readerIndex:b.writerIndex])
		b.readerIndex = PrependSize
		b.writerIndex = PrependSize + readable
		return nil
	}
	need := b.writerIndex + n
	if need > MaxCapacity {
		return ErrBufferOverflow
	}
	grown := make([]byte, need)
	copy(grown, b.buf[:b.writerIndex])
	b.buf = grown
	return nil
}

// ReadFrom pulls whatever r has ready into the buffer. It reads into
// the writable tail when the tail is large, and otherwise through a
// fixed spill array so a near-full buffer does not force a
// preallocation of a large tail before the read. Returns the byte
// count and the reader's error (io.EOF included).
func (b *Buffer) ReadFrom(r io.Reader) (int, error) {
	var spill [64 * 1024]byte
	writable := b.WritableBytes()
	if writable >= len(spill) {
		n, err := r.Read(b.buf[b.writerIndex:])
		if n > 0 {
			b.writerIndex += n
		}
		return n, err
	}
	n, err := r.Read(spill[:])
	if n > 0 {
		if appendErr := b.Append(spill[:n]); appendErr != nil {
			return n, appendErr
		}
	}
	return n, err
}
