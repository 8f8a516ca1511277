package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"meshrpc/protocol"
)

func startEcho(t *testing.T, maxConns int) *ServerTransport {
	t.Helper()
	st := NewServerTransport("127.0.0.1:0", maxConns)
	st.OnMessage(func(c *Connection, body []byte) {
		// Echo each frame back, framed.
		c.Send(protocol.Encode(body))
	})
	if err := st.Start(); err != nil {
		t.Fatalf("transport start failed: %v", err)
	}
	t.Cleanup(st.Stop)
	return st
}

func TestSendReceiveRoundTrip(t *testing.T) {
	st := startEcho(t, 16)

	ct, err := Dial(st.Addr().String(), 0)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ct.Close()

	body := []byte("ping over the wire")
	if err := ct.Send(protocol.Encode(body)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	out, err := ct.Receive(protocol.MaxClientFrameSize)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !bytes.Equal(out, body) {
		t.Fatalf("expect echo %q, got %q", body, out)
	}
}

func TestMaxConnectionsGate(t *testing.T) {
	st := startEcho(t, 2)
	addr := st.Addr().String()

	c1, err := Dial(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	c2, err := Dial(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	// Exercise both admitted connections so we know they are in the
	// table before the third arrives.
	for _, c := range []*ClientTransport{c1, c2} {
		c.Send(protocol.Encode([]byte("ok")))
		if _, err := c.Receive(protocol.MaxClientFrameSize); err != nil {
			t.Fatalf("admitted connection failed: %v", err)
		}
	}
	if got := st.ConnectionCount(); got != 2 {
		t.Fatalf("expect 2 connections, got %d", got)
	}

	// The third connection is accepted then immediately closed; a read
	// on it reports closure.
	c3, err := Dial(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c3.Close()
	c3.Send(protocol.Encode([]byte("rejected")))
	if _, err := c3.Receive(protocol.MaxClientFrameSize); err == nil {
		t.Fatal("expect rejected connection to be closed by server")
	}
}

func TestFramingResync(t *testing.T) {
	st := startEcho(t, 16)
	addr := st.Addr().String()

	// A raw socket injects a hostile length field.
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	var poison [8]byte
	binary.BigEndian.PutUint32(poison[:4], 0xffffffff)
	raw.Write(poison[:])

	// The poisoned connection is torn down...
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := raw.Read(make([]byte, 1)); err == nil {
		t.Fatal("expect server to close connection carrying oversize frame")
	}

	// ...while a fresh client still succeeds.
	ct, err := Dial(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ct.Close()
	ct.Send(protocol.Encode([]byte("still alive")))
	out, err := ct.Receive(protocol.MaxClientFrameSize)
	if err != nil || string(out) != "still alive" {
		t.Fatalf("expect server to keep serving, got %q err=%v", out, err)
	}
}

func TestPeerCloseSurfaces(t *testing.T) {
	st := NewServerTransport("127.0.0.1:0", 4)
	st.OnMessage(func(c *Connection, body []byte) { c.Close() })
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}
	defer st.Stop()

	ct, err := Dial(st.Addr().String(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ct.Close()

	ct.Send(protocol.Encode([]byte("bye")))
	if _, err := ct.Receive(protocol.MaxClientFrameSize); err != ErrPeerClosed {
		t.Fatalf("expect ErrPeerClosed, got %v", err)
	}
}

func TestStopJoinsLoops(t *testing.T) {
	st := startEcho(t, 16)

	var conns []*ClientTransport
	for i := 0; i < 3; i++ {
		c, err := Dial(st.Addr().String(), 0)
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
		c.Send(protocol.Encode([]byte("warm")))
		c.Receive(protocol.MaxClientFrameSize)
	}

	done := make(chan struct{})
	go func() {
		st.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not join accept/read goroutines")
	}
	for _, c := range conns {
		c.Close()
	}
	if st.ConnectionCount() != 0 {
		t.Fatalf("expect 0 connections after Stop, got %d", st.ConnectionCount())
	}
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	st := startEcho(t, 16)
	ct, err := Dial(st.Addr().String(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ct.Close()

	// Many goroutines share one transport; the write lock must keep
	// frames whole. Echoed frames arrive whole too, in some order.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct.Send(protocol.Encode(bytes.Repeat([]byte("x"), 4096)))
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		out, err := ct.Receive(protocol.MaxClientFrameSize)
		if err != nil {
			t.Fatalf("receive %d failed: %v", i, err)
		}
		if len(out) != 4096 {
			t.Fatalf("frame %d torn: %d bytes", i, len(out))
		}
	}
}
