// Package protocol implements length-prefixed framing for the RPC wire
// format.
//
// It solves TCP's sticky packet problem with the simplest possible
// envelope: a 4-byte big-endian length followed by exactly that many
// body bytes. The receiver reads the length first, then reads the body.
//
//	0         4
//	┌─────────┬────────────────┐
//	│ bodyLen │    body ...    │
//	│ uint32  │ bodyLen bytes  │
//	└─────────┴────────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"meshrpc/bytebuf"
)

const (
	// LengthFieldSize is the width of the frame length prefix.
	LengthFieldSize = 4

	// MaxFrameSize bounds a frame body on the server decode path. A
	// length beyond this is a protocol violation, not a large message.
	MaxFrameSize = 100 * 1024 * 1024

	// MaxClientFrameSize bounds a frame body on the client receive
	// path, which never legitimately sees large responses.
	MaxClientFrameSize = 10 * 1024 * 1024
)

// ErrOversizeFrame reports a length prefix of zero or beyond the
// allowed maximum. The connection carrying it cannot be resynchronized
// and should be closed.
type ErrOversizeFrame struct {
	Length uint32
	Max    uint32
}

func (e *ErrOversizeFrame) Error() string {
	return fmt.Sprintf("protocol: invalid frame length %d (max %d)", e.Length, e.Max)
}

// Encode wraps body in a frame: 4-byte big-endian length plus body.
// An empty body yields a bare length field; callers must not submit
// empty payloads, the envelope layer validates above us.
func Encode(body []byte) []byte {
	frame := make([]byte, LengthFieldSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[LengthFieldSize:], body)
	return frame
}

// EncodeTo appends a frame carrying body to buf, stamping the length
// through the buffer's prepend reserve. buf must not hold other
// readable bytes, the length lands in front of the whole readable
// region.
func EncodeTo(buf *bytebuf.Buffer, body []byte) error {
	if err := buf.Append(body); err != nil {
		return err
	}
	return buf.PrependUint32(uint32(len(body)))
}

// DecodeFromBuffer extracts one complete frame body from buf.
//
// Returns ok=false when fewer than 4 bytes are buffered, or when the
// full body has not arrived yet; nothing is consumed in either case.
// On a complete frame the whole frame is consumed and the body
// returned. A length of 0 or beyond MaxFrameSize drains the buffer and
// returns an error — there is no way to find the next frame boundary,
// so the caller must close the connection.
func DecodeFromBuffer(buf *bytebuf.Buffer) ([]byte, bool, error) {
	length, ok := buf.PeekUint32()
	if !ok {
		return nil, false, nil
	}
	if length == 0 || length > MaxFrameSize {
		buf.RetrieveAll()
		return nil, false, &ErrOversizeFrame{Length: length, Max: MaxFrameSize}
	}
	if buf.ReadableBytes() < LengthFieldSize+int(length) {
		return nil, false, nil
	}
	buf.Retrieve(LengthFieldSize)
	return buf.RetrieveAsBytes(int(length)), true, nil
}

// ReadFrame reads one complete frame from r, blocking until the length
// prefix and the full body have arrived. io.ReadFull guarantees exactly
// N bytes per step, so partial reads never corrupt framing.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var head [LengthFieldSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(head[:])
	if length == 0 || length > max {
		return nil, &ErrOversizeFrame{Length: length, Max: max}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
