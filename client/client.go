// Package client implements the RPC stub. A stub owns at most one
// connection and runs one call at a time — it is not a pipelined
// multiplexer; callers wanting parallelism hold several stubs.
//
// Two construction modes:
//   - direct:    a fixed host:port target
//   - discovery: a registry plus a load balancer resolve the target
//     before every call
package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"meshrpc/codec"
	"meshrpc/config"
	"meshrpc/loadbalance"
	"meshrpc/message"
	"meshrpc/protocol"
	"meshrpc/registry"
	"meshrpc/transport"
)

// Client is the RPC stub.
type Client struct {
	cfg        *config.ClientConfig
	serializer codec.Serializer

	// direct mode
	target string

	// discovery mode
	reg         registry.Registry
	serviceName string
	balancer    loadbalance.Balancer

	mu     sync.Mutex // serializes the whole call round trip
	conn   *transport.ClientTransport
	nextID atomic.Uint64
}

// NewDirect creates a stub bound to a fixed target.
func NewDirect(host string, port int) *Client {
	c := newClient(nil)
	c.target = fmt.Sprintf("%s:%d", host, port)
	return c
}

// NewDiscovery creates a stub that resolves serviceName through reg and
// picks a replica with bal before every call.
func NewDiscovery(reg registry.Registry, serviceName string, bal loadbalance.Balancer) *Client {
	c := newClient(nil)
	c.reg = reg
	c.serviceName = serviceName
	c.balancer = bal
	return c
}

// WithConfig replaces the stub configuration (serializer, timeouts).
func (c *Client) WithConfig(cfg *config.ClientConfig) *Client {
	if cfg != nil {
		c.cfg = cfg
		c.serializer = codec.Get(cfg.SerializerType)
	}
	return c
}

func newClient(cfg *config.ClientConfig) *Client {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	c := &Client{
		cfg:        cfg,
		serializer: codec.Get(cfg.SerializerType),
	}
	// Seed request ids with wall time so ids stay unique across stub
	// restarts; uniqueness is per stub, ids only aid correlation in
	// logs.
	c.nextID.Store(uint64(time.Now().UnixMilli()))
	return c
}

// Call invokes "Service.Method" with args, decoding the reply into
// reply. reply must be a pointer.
func (c *Client) Call(serviceMethod string, args, reply any) error {
	service, method, ok := strings.Cut(serviceMethod, ".")
	if !ok || service == "" || method == "" {
		return fmt.Errorf("rpc: service/method ill-formed: %q", serviceMethod)
	}
	return c.CallMethod(service, method, args, reply)
}

// CallMethod invokes method on service. The entire round trip runs
// under the stub mutex: resolve target, connect, send, receive, decode.
func (c *Client) CallMethod(service, method string, args, reply any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, instanceID, err := c.resolveTarget(service)
	if err != nil {
		return err
	}

	// Least-connection balancers see the call as one in-flight
	// connection; the pair brackets the round trip under our mutex so
	// select/update appear atomic.
	if c.balancer != nil {
		c.balancer.UpdateStats(instanceID, true)
		defer c.balancer.UpdateStats(instanceID, false)
	}

	if err := c.ensureConnected(target); err != nil {
		return err
	}

	if err := c.roundTrip(service, method, args, reply); err != nil {
		// A transport-level failure poisons the connection; drop it so
		// the next call dials fresh. Call-level failures (failure
		// envelopes) keep the connection.
		if _, isCall := err.(*message.CallError); !isCall {
			c.dropConnection()
		}
		return err
	}
	return nil
}

// Close tears down the stub's connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConnection()
}

// resolveTarget returns the dial address and instance id for this call.
// Direct stubs always return the fixed target; discovery stubs discover
// and balance.
func (c *Client) resolveTarget(service string) (string, string, error) {
	if c.reg == nil {
		return c.target, c.target, nil
	}

	name := c.serviceName
	if name == "" {
		name = service
	}
	instances, err := c.reg.Discover(name)
	if err != nil {
		return "", "", fmt.Errorf("rpc: discover %s: %w", name, err)
	}

	inst, err := c.balancer.Select(instances)
	if err != nil {
		return "", "", &message.CallError{
			Code:    message.CodeNoInstances,
			Message: fmt.Sprintf("no instances for service %s: %v", name, err),
		}
	}
	return inst.Address(), inst.ID(), nil
}

// ensureConnected dials the target, replacing a connection aimed at a
// different replica.
func (c *Client) ensureConnected(target string) error {
	if c.conn != nil && c.conn.Addr() == target {
		return nil
	}
	c.dropConnection()

	conn, err := transport.Dial(target, time.Duration(c.cfg.ConnectTimeoutMs)*time.Millisecond)
	if err != nil {
		return err
	}
	logrus.Debugf("client.Client: connected to %s", target)
	c.conn = conn
	return nil
}

func (c *Client) dropConnection() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// roundTrip performs one request/response exchange on the current
// connection.
func (c *Client) roundTrip(service, method string, args, reply any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("rpc: marshal args: %w", err)
	}

	req := &message.Request{
		RequestID:   c.nextID.Add(1),
		ServiceName: service,
		MethodName:  method,
		Payload:     payload,
	}
	body, err := c.serializer.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("rpc: serialize request: %w", err)
	}

	if err := c.conn.Send(protocol.Encode(body)); err != nil {
		return fmt.Errorf("rpc: send: %w", err)
	}

	respBody, err := c.conn.Receive(c.cfg.ReceiveMaxBytes)
	if err != nil {
		return fmt.Errorf("rpc: receive: %w", err)
	}

	var resp message.Response
	if err := c.serializer.DecodeResponse(respBody, &resp); err != nil {
		return fmt.Errorf("rpc: parse response envelope: %w", err)
	}
	if resp.RequestID != req.RequestID {
		// The stub is single-in-flight, so a mismatch means the stream
		// slipped; log it, the payload is still this call's answer.
		logrus.Warnf("client.Client: response id %d does not match request id %d",
			resp.RequestID, req.RequestID)
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if reply != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, reply); err != nil {
			return fmt.Errorf("rpc: unmarshal reply: %w", err)
		}
	}
	return nil
}
