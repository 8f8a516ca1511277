package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements Registry on etcd v3.
//
// The ephemeral-node semantics come from TTL leases: every instance key
// is attached to a lease that KeepAlive renews for as long as the
// session lives. A crashed or partitioned server stops renewing, the
// lease expires, and the instance disappears on its own — no ghost
// replicas. Heartbeat is therefore a no-op that returns success while
// the session is connected; the session carries liveness.
type EtcdRegistry struct {
	client         *clientv3.Client
	sessionTimeout time.Duration

	mu        sync.Mutex
	connected bool
	leases    map[string]clientv3.LeaseID   // instance key → lease
	watchers  map[string]context.CancelFunc // service name → watch cancel
	wg        sync.WaitGroup
}

// NewEtcdRegistry connects to the given endpoints. The session is
// established asynchronously; WaitForConnection blocks for it.
func NewEtcdRegistry(endpoints []string, sessionTimeout time.Duration) (*EtcdRegistry, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = 30 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: sessionTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client:         client,
		sessionTimeout: sessionTimeout,
		leases:         make(map[string]clientv3.LeaseID),
		watchers:       make(map[string]context.CancelFunc),
	}, nil
}

// WaitForConnection blocks until the backend answers a status probe or
// the timeout expires, and records the connected state.
func (r *EtcdRegistry) WaitForConnection(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := r.client.Status(ctx, r.client.Endpoints()[0])
	r.mu.Lock()
	r.connected = err == nil
	r.mu.Unlock()
	if err != nil {
		return ErrNotConnected
	}
	return nil
}

func (r *EtcdRegistry) isConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Register publishes the instance under an ephemeral lease and starts
// renewing it.
func (r *EtcdRegistry) Register(instance *ServiceInstance) error {
	if err := instance.Validate(); err != nil {
		return err
	}
	if !r.isConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.sessionTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, int64(r.sessionTimeout/time.Second))
	if err != nil {
		return err
	}

	value, err := MarshalInstance(instance)
	if err != nil {
		return err
	}

	key := instanceKey(instance.ServiceName, instance.ID())
	if _, err := r.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	keepAlive, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Drain renewals; the channel closing means the session no longer
	// carries this node and later operations must fail until the next
	// successful probe.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for range keepAlive {
		}
		r.mu.Lock()
		if _, stillOwned := r.leases[key]; stillOwned {
			r.connected = false
			logrus.Warnf("registry.EtcdRegistry: lease expired for %s", key)
		}
		r.mu.Unlock()
	}()

	logrus.Infof("registry.EtcdRegistry: registered %s", key)
	return nil
}

// Unregister revokes the instance's lease and deletes its node.
func (r *EtcdRegistry) Unregister(serviceName, instanceID string) error {
	key := instanceKey(serviceName, instanceID)

	r.mu.Lock()
	leaseID, owned := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.sessionTimeout)
	defer cancel()

	if owned {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			logrus.Warnf("registry.EtcdRegistry.Unregister: revoke %s: %v", key, err)
		}
	}
	_, err := r.client.Delete(ctx, key)
	if err != nil {
		return err
	}
	logrus.Infof("registry.EtcdRegistry: unregistered %s", key)
	return nil
}

// Discover returns the current children of the service subtree.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.sessionTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, ErrUnavailable
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, err := UnmarshalInstance(kv.Value)
		if err != nil {
			// A malformed node never poisons the snapshot.
			logrus.Warnf("registry.EtcdRegistry.Discover: bad value at %s: %v", kv.Key, err)
			continue
		}
		instances = append(instances, *inst)
	}
	return instances, nil
}

// Subscribe watches the service subtree. On any membership event the
// watcher re-reads the children and invokes cb with the fresh snapshot;
// callbacks are serialized on the watcher goroutine.
func (r *EtcdRegistry) Subscribe(serviceName string, cb WatchCallback) error {
	r.mu.Lock()
	if _, dup := r.watchers[serviceName]; dup {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.watchers[serviceName] = cancel
	r.mu.Unlock()

	watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for range watchChan {
			instances, err := r.Discover(serviceName)
			if err != nil {
				logrus.Warnf("registry.EtcdRegistry.Subscribe: refresh %s: %v", serviceName, err)
				continue
			}
			cb(instances)
		}
	}()
	return nil
}

// Unsubscribe stops the service's watcher.
func (r *EtcdRegistry) Unsubscribe(serviceName string) error {
	r.mu.Lock()
	cancel, ok := r.watchers[serviceName]
	delete(r.watchers, serviceName)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Heartbeat is a no-op: lease KeepAlive already renews the session, and
// the node lives exactly as long as the session does. It returns
// ErrUnavailable once the session is known to be lost.
func (r *EtcdRegistry) Heartbeat(serviceName, instanceID string) error {
	if !r.isConnected() {
		return ErrUnavailable
	}
	return nil
}

// ListServices collects the distinct service names under the namespace
// root.
func (r *EtcdRegistry) ListServices() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.sessionTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, ServicePath+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, ErrUnavailable
	}

	seen := make(map[string]bool)
	var names []string
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), ServicePath+"/")
		name, _, ok := strings.Cut(rest, "/")
		if !ok || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

// Close revokes all leases, cancels all watchers, and closes the
// session. Every ephemeral node this registry published disappears.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := make([]clientv3.LeaseID, 0, len(r.leases))
	for _, id := range r.leases {
		leases = append(leases, id)
	}
	r.leases = make(map[string]clientv3.LeaseID)
	cancels := make([]context.CancelFunc, 0, len(r.watchers))
	for _, cancel := range r.watchers {
		cancels = append(cancels, cancel)
	}
	r.watchers = make(map[string]context.CancelFunc)
	r.connected = false
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, id := range leases {
		r.client.Revoke(ctx, id)
	}
	for _, c := range cancels {
		c()
	}

	err := r.client.Close()
	r.wg.Wait()
	return err
}
