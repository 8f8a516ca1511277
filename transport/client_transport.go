package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"meshrpc/protocol"
)

// DefaultConnectTimeout bounds a blocking connect.
const DefaultConnectTimeout = 5 * time.Second

// ErrPeerClosed reports an orderly close by the remote end during a
// receive.
var ErrPeerClosed = errors.New("transport: peer closed connection")

// ErrConnectTimeout reports a connect that did not complete in time.
var ErrConnectTimeout = errors.New("transport: connect timed out")

// ClientTransport is a blocking, single-stream client connection. The
// receive protocol is strictly synchronous: read the 4-byte length,
// validate it, read exactly that many body bytes. One transport serves
// one in-flight call at a time; the stub layer enforces that with its
// own mutex.
type ClientTransport struct {
	conn    net.Conn
	addr    string
	writeMu sync.Mutex
	closed  bool
	mu      sync.Mutex
}

// Dial connects to addr within timeout (DefaultConnectTimeout when
// zero).
func Dial(addr string, timeout time.Duration) (*ClientTransport, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, addr)
		}
		return nil, err
	}
	return &ClientTransport{conn: conn, addr: addr}, nil
}

// Addr returns the dialed address.
func (t *ClientTransport) Addr() string { return t.addr }

// Send writes one frame, looping over short writes under the write
// lock.
func (t *ClientTransport) Send(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	written := 0
	for written < len(frame) {
		n, err := t.conn.Write(frame[written:])
		written += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
	}
	return nil
}

// Receive blocks for one complete frame body and returns it. The
// length field is validated against max before the body read; a zero
// or oversize length is a protocol error. A clean EOF surfaces as
// ErrPeerClosed.
func (t *ClientTransport) Receive(max uint32) ([]byte, error) {
	body, err := protocol.ReadFrame(t.conn, max)
	if err != nil {
		if isClosedByPeer(err) {
			return nil, ErrPeerClosed
		}
		return nil, err
	}
	return body, nil
}

// Close shuts the connection down. Idempotent.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func isClosedByPeer(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
