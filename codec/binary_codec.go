package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"meshrpc/message"
)

// BinarySerializer is the structured-binary envelope layout: every
// variable-width field is preceded by its length, all integers are
// big-endian.
//
// Request:  u64 requestID | u16 len(service) | service
//           | u16 len(method) | method | u32 len(payload) | payload
// Response: u64 requestID | u8 success | i32 errorCode
//           | u16 len(errorMessage) | errorMessage
//           | u32 len(payload) | payload
type BinarySerializer struct{}

var errShortInput = errors.New("codec: truncated binary envelope")

func (c *BinarySerializer) Name() string { return BinaryName }

func (c *BinarySerializer) EncodeRequest(req *message.Request) ([]byte, error) {
	if len(req.ServiceName) > 0xffff || len(req.MethodName) > 0xffff {
		return nil, fmt.Errorf("codec: name too long (service %d, method %d bytes)",
			len(req.ServiceName), len(req.MethodName))
	}

	total := 8 + 2 + len(req.ServiceName) + 2 + len(req.MethodName) + 4 + len(req.Payload)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint64(buf[offset:], req.RequestID)
	offset += 8

	offset = putString16(buf, offset, req.ServiceName)
	offset = putString16(buf, offset, req.MethodName)
	putBytes32(buf, offset, req.Payload)

	return buf, nil
}

func (c *BinarySerializer) DecodeRequest(data []byte, req *message.Request) error {
	offset := 0

	id, offset, err := readUint64(data, offset)
	if err != nil {
		return err
	}
	req.RequestID = id

	req.ServiceName, offset, err = readString16(data, offset)
	if err != nil {
		return err
	}
	req.MethodName, offset, err = readString16(data, offset)
	if err != nil {
		return err
	}
	req.Payload, offset, err = readBytes32(data, offset)
	if err != nil {
		return err
	}
	if offset != len(data) {
		return fmt.Errorf("codec: %d trailing bytes after request envelope", len(data)-offset)
	}
	return nil
}

func (c *BinarySerializer) EncodeResponse(resp *message.Response) ([]byte, error) {
	if len(resp.ErrorMessage) > 0xffff {
		return nil, fmt.Errorf("codec: error message too long (%d bytes)", len(resp.ErrorMessage))
	}

	total := 8 + 1 + 4 + 2 + len(resp.ErrorMessage) + 4 + len(resp.Payload)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint64(buf[offset:], resp.RequestID)
	offset += 8

	if resp.Success {
		buf[offset] = 1
	}
	offset++

	binary.BigEndian.PutUint32(buf[offset:], uint32(resp.ErrorCode))
	offset += 4

	offset = putString16(buf, offset, resp.ErrorMessage)
	putBytes32(buf, offset, resp.Payload)

	return buf, nil
}

func (c *BinarySerializer) DecodeResponse(data []byte, resp *message.Response) error {
	offset := 0

	id, offset, err := readUint64(data, offset)
	if err != nil {
		return err
	}
	resp.RequestID = id

	if offset+1 > len(data) {
		return errShortInput
	}
	resp.Success = data[offset] == 1
	offset++

	if offset+4 > len(data) {
		return errShortInput
	}
	resp.ErrorCode = int32(binary.BigEndian.Uint32(data[offset:]))
	offset += 4

	resp.ErrorMessage, offset, err = readString16(data, offset)
	if err != nil {
		return err
	}
	resp.Payload, offset, err = readBytes32(data, offset)
	if err != nil {
		return err
	}
	if offset != len(data) {
		return fmt.Errorf("codec: %d trailing bytes after response envelope", len(data)-offset)
	}
	return nil
}

func putString16(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(s)))
	offset += 2
	copy(buf[offset:], s)
	return offset + len(s)
}

func putBytes32(buf []byte, offset int, b []byte) int {
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(b)))
	offset += 4
	copy(buf[offset:], b)
	return offset + len(b)
}

func readUint64(data []byte, offset int) (uint64, int, error) {
	if offset+8 > len(data) {
		return 0, offset, errShortInput
	}
	return binary.BigEndian.Uint64(data[offset:]), offset + 8, nil
}

func readString16(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, errShortInput
	}
	n := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+n > len(data) {
		return "", offset, errShortInput
	}
	return string(data[offset : offset+n]), offset + n, nil
}

func readBytes32(data []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(data) {
		return nil, offset, errShortInput
	}
	n := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if offset+n > len(data) {
		return nil, offset, errShortInput
	}
	out := make([]byte, n)
	copy(out, data[offset:offset+n])
	return out, offset + n, nil
}
