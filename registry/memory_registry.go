package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryRegistry implements Registry inside the process. It satisfies
// the same contract as the etcd backend and is the backend of choice
// for tests and single-process deployments.
//
// Liveness works the other way around here: there is no session, so
// Heartbeat must refresh the instance's LastHeartbeat timestamp and a
// monitor goroutine evicts instances that have not beaten for three
// intervals.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance // service → id → instance
	subs     map[string]WatchCallback
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryRegistry creates a registry whose staleness monitor ticks at
// heartbeatInterval and evicts instances older than three intervals.
func NewMemoryRegistry(heartbeatInterval time.Duration) *MemoryRegistry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	r := &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		subs:     make(map[string]WatchCallback),
		interval: heartbeatInterval,
		stop:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.monitor()
	return r
}

// Register publishes or replaces an instance and notifies subscribers.
func (r *MemoryRegistry) Register(instance *ServiceInstance) error {
	if err := instance.Validate(); err != nil {
		return err
	}

	inst := *instance
	if inst.LastHeartbeat == 0 {
		inst.LastHeartbeat = time.Now().UnixMilli()
	}

	r.mu.Lock()
	byID := r.services[inst.ServiceName]
	if byID == nil {
		byID = make(map[string]ServiceInstance)
		r.services[inst.ServiceName] = byID
	}
	byID[inst.ID()] = inst
	r.mu.Unlock()

	r.notify(inst.ServiceName)
	return nil
}

// Unregister removes an instance and notifies subscribers.
func (r *MemoryRegistry) Unregister(serviceName, instanceID string) error {
	r.mu.Lock()
	removed := false
	if byID := r.services[serviceName]; byID != nil {
		if _, ok := byID[instanceID]; ok {
			delete(byID, instanceID)
			removed = true
		}
	}
	r.mu.Unlock()

	if removed {
		r.notify(serviceName)
	}
	return nil
}

// Discover snapshots the current instances, sorted by id for stable
// balancer input.
func (r *MemoryRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(serviceName), nil
}

// Subscribe installs the callback for a service. Callbacks fire on
// every membership change, on the goroutine that made the change (the
// Register or Unregister caller, or the staleness monitor); changes
// made concurrently can run the callback concurrently.
func (r *MemoryRegistry) Subscribe(serviceName string, cb WatchCallback) error {
	r.mu.Lock()
	r.subs[serviceName] = cb
	r.mu.Unlock()
	return nil
}

// Unsubscribe removes the callback for a service.
func (r *MemoryRegistry) Unsubscribe(serviceName string) error {
	r.mu.Lock()
	delete(r.subs, serviceName)
	r.mu.Unlock()
	return nil
}

// Heartbeat refreshes the instance's liveness timestamp.
func (r *MemoryRegistry) Heartbeat(serviceName, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.services[serviceName]
	if byID == nil {
		return ErrUnavailable
	}
	inst, ok := byID[instanceID]
	if !ok {
		return ErrUnavailable
	}
	inst.LastHeartbeat = time.Now().UnixMilli()
	inst.Healthy = true
	byID[instanceID] = inst
	return nil
}

// ListServices returns every known service name.
func (r *MemoryRegistry) ListServices() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close stops the staleness monitor.
func (r *MemoryRegistry) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
	return nil
}

// monitor evicts instances whose heartbeat is older than three
// intervals, the backend-side analogue of session expiry.
func (r *MemoryRegistry) monitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * r.interval).UnixMilli()
			var changed []string

			r.mu.Lock()
			for name, byID := range r.services {
				for id, inst := range byID {
					if inst.LastHeartbeat < cutoff {
						delete(byID, id)
						changed = append(changed, name)
						logrus.Warnf("registry.MemoryRegistry: evicted stale instance %s/%s", name, id)
					}
				}
			}
			r.mu.Unlock()

			for _, name := range changed {
				r.notify(name)
			}
		}
	}
}

// notify delivers the fresh snapshot to the service's subscriber. The
// callback runs without the registry lock held so it may call back into
// the registry.
func (r *MemoryRegistry) notify(serviceName string) {
	r.mu.Lock()
	cb := r.subs[serviceName]
	snapshot := r.snapshotLocked(serviceName)
	r.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

func (r *MemoryRegistry) snapshotLocked(serviceName string) []ServiceInstance {
	byID := r.services[serviceName]
	out := make([]ServiceInstance, 0, len(byID))
	for _, inst := range byID {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
