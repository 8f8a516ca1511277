// Package service implements the descriptor-driven dispatch layer: it
// scans a registered service object for callable RPC methods and routes
// decoded requests to them.
package service

import (
	"fmt"
	"reflect"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Method is the descriptor for one callable RPC method. It carries the
// argument and reply element types so the dispatcher can construct
// fresh containers for every call.
type Method struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// NewArgs returns a pointer to a fresh zero argument struct.
func (m *Method) NewArgs() reflect.Value { return reflect.New(m.ArgType) }

// NewReply returns a pointer to a fresh zero reply struct.
func (m *Method) NewReply() reflect.Value { return reflect.New(m.ReplyType) }

// Service is the descriptor for a registered service object: its name,
// receiver, and the methods eligible for remote invocation.
type Service struct {
	name    string
	rcvr    reflect.Value
	typ     reflect.Type
	methods map[string]*Method
}

// NewService builds a descriptor for rcvr, which must be a pointer to a
// struct. The service name is the struct type name; eligible methods
// have the signature
//
//	func (s *Svc) Name(args *Args, reply *Reply) error
func NewService(rcvr any) (*Service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: receiver must point to a struct, got %s", typ.Elem().Kind())
	}

	svc := &Service{
		name:    typ.Elem().Name(),
		rcvr:    reflect.ValueOf(rcvr),
		typ:     typ,
		methods: make(map[string]*Method),
	}
	svc.scanMethods()

	if len(svc.methods) == 0 {
		return nil, fmt.Errorf("rpc: service %s has no callable methods", svc.name)
	}
	return svc, nil
}

// Name returns the service name derived from the receiver type.
func (s *Service) Name() string { return s.name }

// Lookup returns the descriptor for a method, nil when absent.
func (s *Service) Lookup(methodName string) *Method { return s.methods[methodName] }

// Methods returns the callable method names.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	return names
}

// scanMethods keeps the exported methods matching the RPC signature:
// two pointer parameters and a single error result.
func (s *Service) scanMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.methods[method.Name] = &Method{
			method:    method,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
}

// Call invokes m on the receiver with the given argument and reply
// containers, returning the method's error result.
func (s *Service) Call(m *Method, argv, replyv reflect.Value) error {
	results := m.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
