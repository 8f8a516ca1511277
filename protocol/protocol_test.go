package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"meshrpc/bytebuf"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := []byte("hello rpc")
	frame := Encode(body)

	if len(frame) != LengthFieldSize+len(body) {
		t.Fatalf("expect frame length %d, got %d", LengthFieldSize+len(body), len(frame))
	}

	buf := bytebuf.New()
	if err := buf.Append(frame); err != nil {
		t.Fatal(err)
	}

	out, ok, err := DecodeFromBuffer(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !ok {
		t.Fatal("expect a complete frame")
	}
	if !bytes.Equal(out, body) {
		t.Fatalf("expect body %q, got %q", body, out)
	}
	if buf.ReadableBytes() != 0 {
		t.Fatalf("expect no residual bytes, got %d", buf.ReadableBytes())
	}
}

func TestEncodeTo(t *testing.T) {
	buf := bytebuf.New()
	body := []byte("framed via prepend")
	if err := EncodeTo(buf, body); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Peek(), Encode(body)) {
		t.Fatal("expect EncodeTo and Encode to produce identical frames")
	}
}

func TestDecodePartialInput(t *testing.T) {
	buf := bytebuf.New()
	frame := Encode([]byte("abcdef"))

	// Fewer than 4 bytes: not decodable, nothing consumed.
	buf.Append(frame[:3])
	if _, ok, err := DecodeFromBuffer(buf); ok || err != nil {
		t.Fatalf("expect ok=false err=nil on short length, got ok=%v err=%v", ok, err)
	}
	if buf.ReadableBytes() != 3 {
		t.Fatalf("expect partial bytes untouched, got %d readable", buf.ReadableBytes())
	}

	// Length present but body incomplete.
	buf.Append(frame[3:7])
	if _, ok, _ := DecodeFromBuffer(buf); ok {
		t.Fatal("expect ok=false on incomplete body")
	}

	// Remainder arrives, frame decodes.
	buf.Append(frame[7:])
	out, ok, err := DecodeFromBuffer(buf)
	if err != nil || !ok {
		t.Fatalf("expect complete frame, ok=%v err=%v", ok, err)
	}
	if string(out) != "abcdef" {
		t.Fatalf("expect body abcdef, got %q", out)
	}
}

func TestDecodeInvalidLengths(t *testing.T) {
	for _, length := range []uint32{0, MaxFrameSize + 1, 0xffffffff} {
		buf := bytebuf.New()
		var head [4]byte
		binary.BigEndian.PutUint32(head[:], length)
		buf.Append(head[:])
		buf.Append([]byte("garbage that follows"))

		_, ok, err := DecodeFromBuffer(buf)
		if ok || err == nil {
			t.Fatalf("length %d: expect decode failure, got ok=%v err=%v", length, ok, err)
		}
		if buf.ReadableBytes() != 0 {
			t.Fatalf("length %d: expect buffer drained for resync, got %d readable",
				length, buf.ReadableBytes())
		}
	}
}

func TestDecodeBackToBackFrames(t *testing.T) {
	buf := bytebuf.New()
	first := []byte("first")
	second := []byte("second frame body")
	buf.Append(Encode(first))
	buf.Append(Encode(second))

	out1, ok, err := DecodeFromBuffer(buf)
	if err != nil || !ok || !bytes.Equal(out1, first) {
		t.Fatalf("first frame: ok=%v err=%v body=%q", ok, err, out1)
	}
	out2, ok, err := DecodeFromBuffer(buf)
	if err != nil || !ok || !bytes.Equal(out2, second) {
		t.Fatalf("second frame: ok=%v err=%v body=%q", ok, err, out2)
	}
	if buf.ReadableBytes() != 0 {
		t.Fatalf("expect empty buffer, got %d readable", buf.ReadableBytes())
	}
}

func TestReadFrame(t *testing.T) {
	body := []byte("read me in full")
	r := bytes.NewReader(Encode(body))

	out, err := ReadFrame(r, MaxClientFrameSize)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(out, body) {
		t.Fatalf("expect body %q, got %q", body, out)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], MaxClientFrameSize+1)

	_, err := ReadFrame(bytes.NewReader(head[:]), MaxClientFrameSize)
	if _, ok := err.(*ErrOversizeFrame); !ok {
		t.Fatalf("expect ErrOversizeFrame, got %v", err)
	}
}
