// Package registry provides service registration and discovery. The
// contract is backend-agnostic; the reference backend keeps ephemeral
// instance nodes in etcd so a crashed server auto-deregisters, and an
// in-memory backend satisfies the same contract for tests and
// single-process deployments.
//
// Namespace layout:
//
//	/rpc/services/<service_name>/<host:port>
//
// Parents are persistent, instance nodes are ephemeral — their
// lifetime is bound to the publishing server's session.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// RootPath is the namespace root.
	RootPath = "/rpc"
	// ServicePath is the parent of all service subtrees.
	ServicePath = "/rpc/services"
)

var (
	// ErrNotConnected reports an operation attempted before the
	// backend session is established, or after it has expired.
	ErrNotConnected = errors.New("registry: not connected")
	// ErrEmptyServiceName rejects registration without a service name.
	ErrEmptyServiceName = errors.New("registry: empty service name")
	// ErrInvalidInstance rejects instances without a routable port.
	ErrInvalidInstance = errors.New("registry: invalid instance")
	// ErrUnavailable reports a lost backend session; the caller keeps
	// serving and retries later.
	ErrUnavailable = errors.New("registry: backend unavailable")
)

// ServiceInstance describes one replica of a service. Its canonical
// identity within a service is "host:port".
type ServiceInstance struct {
	ServiceName   string            `json:"service_name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Weight        int               `json:"weight"`
	Healthy       bool              `json:"healthy"`
	LastHeartbeat int64             `json:"last_heartbeat"` // unix milliseconds
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ID returns the canonical instance identity.
func (s *ServiceInstance) ID() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Address returns the dialable host:port, identical to ID.
func (s *ServiceInstance) Address() string { return s.ID() }

// EffectiveWeight maps non-positive weights to 1 on read.
func (s *ServiceInstance) EffectiveWeight() int {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

// Validate checks the invariants a publishable instance must hold.
func (s *ServiceInstance) Validate() error {
	if s.ServiceName == "" {
		return ErrEmptyServiceName
	}
	if s.Host == "" || s.Port <= 0 {
		return fmt.Errorf("%w: %s:%d", ErrInvalidInstance, s.Host, s.Port)
	}
	return nil
}

// MarshalInstance encodes an instance as the node value. JSON is
// self-describing and round-trips exactly, which is the contract bar
// for the node encoding.
func MarshalInstance(s *ServiceInstance) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalInstance decodes a node value.
func UnmarshalInstance(data []byte) (*ServiceInstance, error) {
	var s ServiceInstance
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WatchCallback receives the fresh instance snapshot for a service on
// any membership change. The etcd backend serializes invocations per
// service on its watcher goroutine, so a slow callback delays later
// notifications for that service. The memory backend calls it
// synchronously on the goroutine that made the change and does not
// serialize concurrent invocations.
type WatchCallback func(instances []ServiceInstance)

// Registry is the backend-agnostic contract.
type Registry interface {
	// Register publishes an ephemeral instance node. Fails when the
	// session is not connected or the service name is empty.
	Register(instance *ServiceInstance) error

	// Unregister removes the instance node matching id ("host:port").
	Unregister(serviceName, instanceID string) error

	// Discover returns the current snapshot of instances, possibly
	// empty.
	Discover(serviceName string) ([]ServiceInstance, error)

	// Subscribe installs cb for membership changes of a service.
	Subscribe(serviceName string, cb WatchCallback) error

	// Unsubscribe removes the callback for a service.
	Unsubscribe(serviceName string) error

	// Heartbeat keeps ownership of the instance node alive. On
	// backends where the session itself carries liveness this is a
	// no-op returning success.
	Heartbeat(serviceName, instanceID string) error

	// ListServices returns every service name registered under the
	// namespace root.
	ListServices() ([]string, error)

	// Close releases the backend session; ephemeral nodes disappear.
	Close() error
}

// New builds a registry backend by kind. "etcd" is the reference
// backend ("zookeeper" is accepted as an alias for the ephemeral-node
// backend); "memory" is the in-process backend.
func New(kind, address string, sessionTimeout time.Duration) (Registry, error) {
	switch strings.ToLower(kind) {
	case "", "etcd", "zookeeper":
		return NewEtcdRegistry([]string{address}, sessionTimeout)
	case "memory":
		return NewMemoryRegistry(sessionTimeout / 3), nil
	default:
		return nil, fmt.Errorf("registry: unknown backend %q", kind)
	}
}

// instanceKey builds the node path for an instance id.
func instanceKey(serviceName, instanceID string) string {
	return ServicePath + "/" + serviceName + "/" + instanceID
}

// servicePrefix builds the children prefix for a service.
func servicePrefix(serviceName string) string {
	return ServicePath + "/" + serviceName + "/"
}
