package service

import (
	"encoding/json"
	"fmt"
	"sync"

	"meshrpc/message"
)

// Dispatcher routes decoded requests to registered services. Lookups
// dominate, so the service map sits behind a read/write lock; many
// dispatches proceed concurrently across methods and services. The
// dispatcher makes no thread-safety assumption about an individual
// service object — a service that keeps mutable state must guard it.
type Dispatcher struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{services: make(map[string]*Service)}
}

// Register scans rcvr and adds it under its derived service name.
// Registering a name twice fails until Unregister is called.
func (d *Dispatcher) Register(rcvr any) (*Service, error) {
	svc, err := NewService(rcvr)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.services[svc.Name()]; dup {
		return nil, fmt.Errorf("rpc: service already registered: %s", svc.Name())
	}
	d.services[svc.Name()] = svc
	return svc, nil
}

// Unregister removes a service by name.
func (d *Dispatcher) Unregister(serviceName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.services[serviceName]; !ok {
		return fmt.Errorf("rpc: service not registered: %s", serviceName)
	}
	delete(d.services, serviceName)
	return nil
}

// IsRegistered reports whether a service name is known.
func (d *Dispatcher) IsRegistered(serviceName string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.services[serviceName]
	return ok
}

// Services returns the registered service names.
func (d *Dispatcher) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	return names
}

// Dispatch executes one request and always produces a response; every
// failure along the lookup/parse/invoke/serialize path becomes a coded
// failure envelope naming the failing step, never a dropped call.
func (d *Dispatcher) Dispatch(req *message.Request) *message.Response {
	if req.ServiceName == "" || req.MethodName == "" {
		return message.Failure(req.RequestID, message.CodeProtocol,
			"empty service or method name")
	}

	d.mu.RLock()
	svc := d.services[req.ServiceName]
	d.mu.RUnlock()
	if svc == nil {
		return message.Failure(req.RequestID, message.CodeServiceNotFound,
			"service not found: "+req.ServiceName)
	}

	mt := svc.Lookup(req.MethodName)
	if mt == nil {
		return message.Failure(req.RequestID, message.CodeMethodNotFound,
			"method not found: "+req.MethodName)
	}

	argv := mt.NewArgs()
	replyv := mt.NewReply()
	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return message.Failure(req.RequestID, message.CodeParseFailed,
			fmt.Sprintf("parse %s.%s request payload: %v", req.ServiceName, req.MethodName, err))
	}

	if err := svc.Call(mt, argv, replyv); err != nil {
		return message.Failure(req.RequestID, message.CodeHandlerError, err.Error())
	}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		return message.Failure(req.RequestID, message.CodeSerializeFailed,
			fmt.Sprintf("serialize %s.%s reply: %v", req.ServiceName, req.MethodName, err))
	}

	return message.Ok(req.RequestID, payload)
}
