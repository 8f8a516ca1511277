// Package server wires the RPC runtime together: transport, worker
// pool, envelope codec, dispatcher, middleware, and the optional
// registry integration.
//
// Request pipeline:
//
//	accept conn → read loop extracts frames
//	  → worker pool task per frame:
//	    parse envelope → middleware chain → dispatcher → service method
//	    → serialize response → frame → send on the same connection
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/sirupsen/logrus"

	"meshrpc/codec"
	"meshrpc/config"
	"meshrpc/message"
	"meshrpc/middleware"
	"meshrpc/protocol"
	"meshrpc/registry"
	"meshrpc/service"
	"meshrpc/transport"
	"meshrpc/workerpool"
)

// Server hosts registered services over TCP.
type Server struct {
	cfg        *config.ServerConfig
	dispatcher *service.Dispatcher
	serializer codec.Serializer

	pool      *workerpool.Pool
	transport *transport.ServerTransport

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	reg      registry.Registry
	ownsReg  bool
	hbStop   chan struct{}
	hbWg     sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	// Requests observed over the last minute.
	rate *ratecounter.RateCounter
}

// New creates a server from cfg (nil uses the defaults).
func New(cfg *config.ServerConfig) *Server {
	if cfg == nil {
		cfg = config.DefaultServerConfig()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: service.NewDispatcher(),
		rate:       ratecounter.NewRateCounter(time.Minute),
	}
}

// Register scans rcvr and makes its methods callable. When called after
// Start with the registry enabled, the service is also published.
func (s *Server) Register(rcvr any) error {
	svc, err := s.dispatcher.Register(rcvr)
	if err != nil {
		return err
	}
	if s.started.Load() && s.reg != nil {
		if err := s.reg.Register(s.instanceFor(svc.Name())); err != nil {
			logrus.Errorf("server.Server.Register: publish %s: %v", svc.Name(), err)
		}
	}
	return nil
}

// Use adds a middleware. Middlewares run in the order they were added,
// outermost first. Must be called before Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// UseRegistry injects a registry backend, overriding the one Start
// would build from config. Useful for the in-memory backend.
func (s *Server) UseRegistry(reg registry.Registry) {
	s.reg = reg
	s.ownsReg = false
}

// Start builds the pipeline and begins serving. It returns once the
// listener is bound; serving happens on background goroutines.
func (s *Server) Start() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("server: already started")
	}

	s.serializer = codec.Get(s.cfg.SerializerType)
	s.pool = workerpool.New(s.cfg.ThreadPoolSize)

	// The chain is built once at startup, not per request.
	s.handler = middleware.Chain(s.middlewares...)(func(ctx context.Context, req *message.Request) *message.Response {
		return s.dispatcher.Dispatch(req)
	})

	s.transport = transport.NewServerTransport(s.cfg.ListenAddr(), s.cfg.MaxConnections)
	s.transport.OnMessage(s.onMessage)
	s.transport.OnError(func(conn *transport.Connection, err error) {
		logrus.Debugf("server.Server: connection %s error: %v", conn.RemoteAddr(), err)
	})
	if err := s.transport.Start(); err != nil {
		s.pool.Stop()
		s.started.Store(false)
		return err
	}

	if s.cfg.EnableRegistry {
		if err := s.startRegistry(); err != nil {
			// Degrade: the server keeps serving direct traffic even
			// when the registry is unreachable.
			logrus.Errorf("server.Server.Start: registry unavailable: %v", err)
		}
	}

	logrus.Infof("server.Server: listening on %s (workers=%d, max_conns=%d, serializer=%s)",
		s.Addr(), s.pool.Size(), s.cfg.MaxConnections, s.serializer.Name())
	return nil
}

// Stop shuts the server down: heartbeats first, then registry
// unregistration, then the transport (closing every connection), then
// the worker pool. Idempotent; when it returns all background
// goroutines are joined.
func (s *Server) Stop() {
	if !s.started.Load() {
		return
	}
	s.stopOnce.Do(func() {
		if s.hbStop != nil {
			close(s.hbStop)
			s.hbWg.Wait()
		}
		if s.reg != nil {
			for _, name := range s.dispatcher.Services() {
				inst := s.instanceFor(name)
				if err := s.reg.Unregister(name, inst.ID()); err != nil {
					logrus.Warnf("server.Server.Stop: unregister %s: %v", name, err)
				}
			}
			if s.ownsReg {
				s.reg.Close()
			}
		}
		s.transport.Stop()
		s.pool.Stop()
		logrus.Infof("server.Server: stopped")
	})
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.transport == nil {
		return nil
	}
	return s.transport.Addr()
}

// RequestRate returns requests observed over the last minute.
func (s *Server) RequestRate() int64 { return s.rate.Rate() }

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	if s.transport == nil {
		return 0
	}
	return s.transport.ConnectionCount()
}

// onMessage runs on a connection's read goroutine; it only enqueues.
func (s *Server) onMessage(conn *transport.Connection, body []byte) {
	if err := s.pool.SubmitVoid(func() { s.handleRequest(conn, body) }); err != nil {
		logrus.Warnf("server.Server: dropping request during shutdown: %v", err)
	}
}

// handleRequest runs on a worker: parse, dispatch, respond. Every
// dispatch failure becomes a failure envelope on the same connection;
// only a write failure drops the response.
func (s *Server) handleRequest(conn *transport.Connection, body []byte) {
	s.rate.Incr(1)

	var req message.Request
	if err := s.serializer.DecodeRequest(body, &req); err != nil {
		logrus.Warnf("server.Server: malformed envelope from %s: %v", conn.RemoteAddr(), err)
		s.writeResponse(conn, message.Failure(0, message.CodeProtocol,
			"malformed request envelope"))
		// An undecodable envelope is a protocol error: answer it, then
		// close the connection.
		conn.Close()
		return
	}

	resp := s.handler(context.Background(), &req)
	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn *transport.Connection, resp *message.Response) {
	data, err := s.serializer.EncodeResponse(resp)
	if err != nil {
		// Second attempt: strip the payload and report the serialize
		// failure itself.
		logrus.Errorf("server.Server: serialize response id=%d: %v", resp.RequestID, err)
		fallback := message.Failure(resp.RequestID, message.CodeSerializeFailed,
			"response serialization failed")
		if data, err = s.serializer.EncodeResponse(fallback); err != nil {
			logrus.Errorf("server.Server: serialize failure envelope id=%d: %v", resp.RequestID, err)
			return
		}
	}
	if err := conn.Send(protocol.Encode(data)); err != nil {
		logrus.Warnf("server.Server: write response id=%d to %s: %v",
			resp.RequestID, conn.RemoteAddr(), err)
	}
}

// startRegistry connects the backend, publishes every registered
// service, and launches the heartbeat loop.
func (s *Server) startRegistry() error {
	if s.reg == nil {
		sessionTimeout := time.Duration(s.cfg.SessionTimeoutMs) * time.Millisecond
		reg, err := registry.New(s.cfg.RegistryType, s.cfg.RegistryAddress, sessionTimeout)
		if err != nil {
			return err
		}
		if etcdReg, ok := reg.(*registry.EtcdRegistry); ok {
			if err := etcdReg.WaitForConnection(sessionTimeout); err != nil {
				reg.Close()
				return err
			}
		}
		s.reg = reg
		s.ownsReg = true
	}

	for _, name := range s.dispatcher.Services() {
		if err := s.reg.Register(s.instanceFor(name)); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
	}

	s.hbStop = make(chan struct{})
	s.hbWg.Add(1)
	go s.heartbeatLoop()
	return nil
}

// heartbeatLoop keeps instance ownership alive. A failed round is
// logged and retried next tick; the server keeps serving regardless.
func (s *Server) heartbeatLoop() {
	defer s.hbWg.Done()
	interval := time.Duration(s.cfg.HeartbeatIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.hbStop:
			return
		case <-ticker.C:
			for _, name := range s.dispatcher.Services() {
				inst := s.instanceFor(name)
				if err := s.reg.Heartbeat(name, inst.ID()); err != nil {
					logrus.Warnf("server.Server: heartbeat %s/%s: %v", name, inst.ID(), err)
				}
			}
		}
	}
}

func (s *Server) instanceFor(serviceName string) *registry.ServiceInstance {
	return &registry.ServiceInstance{
		ServiceName:   serviceName,
		Host:          s.advertiseHost(),
		Port:          s.boundPort(),
		Weight:        s.cfg.ServiceWeight,
		Healthy:       true,
		LastHeartbeat: time.Now().UnixMilli(),
	}
}

// advertiseHost resolves the address published to the registry.
// Wildcard binds are placeholders, never routable identities: prefer
// the configured advertise host, then the primary interface, then
// loopback.
func (s *Server) advertiseHost() string {
	if s.cfg.AdvertiseHost != "" {
		return s.cfg.AdvertiseHost
	}
	host := s.cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		if ip := primaryInterfaceIP(); ip != "" {
			return ip
		}
		return "127.0.0.1"
	}
	return host
}

// boundPort prefers the actual listener port, which differs from the
// configured one when binding port 0.
func (s *Server) boundPort() int {
	if addr := s.Addr(); addr != nil {
		if tcp, ok := addr.(*net.TCPAddr); ok && tcp.Port > 0 {
			return tcp.Port
		}
	}
	return s.cfg.Port
}

func primaryInterfaceIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
