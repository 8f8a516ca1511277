// Package transport implements the TCP layers of the RPC runtime: the
// server's accept/read/extract pipeline and the client's blocking
// connect/send/receive path.
//
// The server runs one accept goroutine plus one read goroutine per
// connection — Go's rendition of a readiness event loop. Each read
// goroutine pulls bytes into the connection's buffer and hands every
// complete frame to the message callback; frame handling itself happens
// on the worker pool, never here.
package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/sirupsen/logrus"

	"meshrpc/protocol"
)

// ServerTransport owns the listener and the connection table.
type ServerTransport struct {
	addr           string
	maxConnections int

	listener net.Listener
	mu       sync.RWMutex
	conns    map[string]*Connection
	count    atomic.Int64
	shutdown atomic.Bool
	wg       sync.WaitGroup

	onMessage    MessageCallback
	onConnect    func(conn *Connection)
	onDisconnect CloseCallback
	onError      ErrorCallback
}

// NewServerTransport creates a transport that will listen on addr and
// admit at most maxConnections concurrent peers.
func NewServerTransport(addr string, maxConnections int) *ServerTransport {
	return &ServerTransport{
		addr:           addr,
		maxConnections: maxConnections,
		conns:          make(map[string]*Connection),
	}
}

// OnMessage sets the per-frame callback. Must be set before Start.
func (t *ServerTransport) OnMessage(cb MessageCallback) { t.onMessage = cb }

// OnConnect sets the new-connection callback.
func (t *ServerTransport) OnConnect(cb func(conn *Connection)) { t.onConnect = cb }

// OnDisconnect sets the teardown callback.
func (t *ServerTransport) OnDisconnect(cb CloseCallback) { t.onDisconnect = cb }

// OnError sets the connection-error callback.
func (t *ServerTransport) OnError(cb ErrorCallback) { t.onError = cb }

// Start binds the listener and launches the accept loop. The listener
// is opened with reuse-address semantics so a restarted server can
// rebind while old sockets linger in TIME_WAIT.
func (t *ServerTransport) Start() error {
	ln, err := reuseport.Listen("tcp", t.addr)
	if err != nil {
		// Not every platform supports port reuse; plain listen keeps
		// the transport working there.
		ln, err = net.Listen("tcp", t.addr)
		if err != nil {
			return err
		}
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Addr returns the bound listener address (useful with port 0).
func (t *ServerTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// ConnectionCount returns the number of live connections.
func (t *ServerTransport) ConnectionCount() int { return int(t.count.Load()) }

// Stop closes the listener, then every connection, and waits for the
// accept loop and all read goroutines to exit.
func (t *ServerTransport) Stop() {
	if !t.shutdown.CompareAndSwap(false, true) {
		return
	}
	if t.listener != nil {
		t.listener.Close()
	}

	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	t.wg.Wait()
}

func (t *ServerTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.shutdown.Load() {
				return
			}
			logrus.Errorf("transport.ServerTransport.acceptLoop: %v", err)
			return
		}

		// Admission check before the connection enters the table. The
		// rejected peer sees an immediate close.
		if t.count.Load() >= int64(t.maxConnections) {
			logrus.Warnf("transport.ServerTransport: connection limit %d reached, rejecting %s",
				t.maxConnections, conn.RemoteAddr())
			conn.Close()
			continue
		}

		c := newConnection(conn)
		c.onMessage = t.onMessage
		c.onError = t.onError
		c.onClose = func(closed *Connection) {
			t.removeConnection(closed)
			if t.onDisconnect != nil {
				t.onDisconnect(closed)
			}
		}

		t.mu.Lock()
		t.conns[c.RemoteAddr()] = c
		t.mu.Unlock()
		t.count.Add(1)

		if t.onConnect != nil {
			t.onConnect(c)
		}

		t.wg.Add(1)
		go t.readLoop(c)
	}
}

// readLoop pulls bytes into the connection buffer and extracts every
// complete frame. Frames on one connection are extracted in order, but
// handed off individually — response ordering is not guaranteed and
// not required.
func (t *ServerTransport) readLoop(c *Connection) {
	defer t.wg.Done()
	defer c.Close()

	for {
		_, err := c.input.ReadFrom(c.conn)
		if err != nil {
			if err != io.EOF && !t.shutdown.Load() {
				logrus.Debugf("transport.ServerTransport.readLoop: read %s: %v", c.RemoteAddr(), err)
				if t.onError != nil {
					t.onError(c, err)
				}
			}
			return
		}

		for {
			body, ok, decodeErr := protocol.DecodeFromBuffer(c.input)
			if decodeErr != nil {
				// Unrecoverable framing: the buffer was drained, the
				// connection must go. Other connections are unaffected.
				logrus.Errorf("transport.ServerTransport.readLoop: %s: %v", c.RemoteAddr(), decodeErr)
				if t.onError != nil {
					t.onError(c, decodeErr)
				}
				return
			}
			if !ok {
				break
			}
			if t.onMessage != nil {
				t.onMessage(c, body)
			}
		}
	}
}

func (t *ServerTransport) removeConnection(c *Connection) {
	t.mu.Lock()
	addr := c.RemoteAddr()
	if _, ok := t.conns[addr]; ok {
		delete(t.conns, addr)
		t.count.Add(-1)
	}
	t.mu.Unlock()
}
