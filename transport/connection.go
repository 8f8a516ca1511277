package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"meshrpc/bytebuf"
)

// State is the lifecycle of a connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// ErrConnClosed is returned by Send on a connection that has already
// been torn down.
var ErrConnClosed = errors.New("transport: connection closed")

// MessageCallback receives each complete frame body extracted from a
// connection. It runs on the connection's read goroutine and must not
// block — handlers enqueue onto the worker pool.
type MessageCallback func(conn *Connection, frameBody []byte)

// CloseCallback fires once when a connection is torn down.
type CloseCallback func(conn *Connection)

// ErrorCallback fires on a read or write failure before teardown.
type ErrorCallback func(conn *Connection, err error)

// Connection wraps one accepted socket. It is shared between the
// transport's connection map and any worker task holding a response
// destined for it; Send is safe from any goroutine, the input buffer
// belongs to the read goroutine alone.
type Connection struct {
	conn    net.Conn
	state   atomic.Int32
	writeMu sync.Mutex
	input   *bytebuf.Buffer

	onMessage MessageCallback
	onClose   CloseCallback
	onError   ErrorCallback

	closeOnce sync.Once
}

func newConnection(conn net.Conn) *Connection {
	c := &Connection{
		conn:  conn,
		input: bytebuf.New(),
	}
	c.state.Store(int32(StateConnected))
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// RemoteAddr returns the peer address, the connection's identity in the
// transport's map.
func (c *Connection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Send writes data to the peer, looping until every byte is out. Short
// writes continue from where they stopped; any error transitions the
// connection to disconnected and fires the error callback.
func (c *Connection) Send(data []byte) error {
	if c.State() != StateConnected {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(data) {
		n, err := c.conn.Write(data[written:])
		written += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.state.Store(int32(StateDisconnected))
			if c.onError != nil {
				c.onError(c, err)
			}
			return err
		}
	}
	return nil
}

// Close tears the connection down once: state transition, socket close,
// close callback. Safe to call from any goroutine and from callbacks.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnecting))
		c.conn.Close()
		c.state.Store(int32(StateDisconnected))
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}
